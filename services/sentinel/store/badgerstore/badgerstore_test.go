// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newJob(id, projectID string, status datatypes.JobStatus, createdAt time.Time) *datatypes.AnalysisJob {
	return &datatypes.AnalysisJob{
		ID:          id,
		ProjectID:   projectID,
		CommitRef:   "main",
		Status:      status,
		TriggeredBy: datatypes.TriggerManual,
		CreatedAt:   createdAt,
	}
}

// TestCreateAndGetJob verifies round-tripping a job record.
func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "proj-a", datatypes.StatusPending, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-a", got.ProjectID)
	assert.Equal(t, datatypes.StatusPending, got.Status)
}

// TestCreateJobDuplicate verifies a second create with the same id is
// rejected with ErrJobExists.
func TestCreateJobDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "proj-a", datatypes.StatusPending, time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.CreateJob(ctx, job)
	assert.ErrorIs(t, err, store.ErrJobExists)
}

// TestGetJobNotFound verifies the not-found sentinel.
func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

// TestUpdateJobStatusPrecondition verifies the precondition rejects a
// job whose status already moved on.
func TestUpdateJobStatusPrecondition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx,
		newJob("job-1", "proj-a", datatypes.StatusCompleted, time.Now().UTC())))

	_, err := s.UpdateJob(ctx, "job-1",
		[]datatypes.JobStatus{datatypes.StatusPending},
		func(j *datatypes.AnalysisJob) error {
			j.Status = datatypes.StatusInProgress
			return nil
		})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	// Unchanged on conflict.
	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, got.Status)
}

// TestUpdateJobCASOneWinner verifies exactly one of many concurrent
// PENDING→IN_PROGRESS flips succeeds.
func TestUpdateJobCASOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx,
		newJob("job-1", "proj-a", datatypes.StatusPending, time.Now().UTC())))

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateJob(ctx, "job-1",
				[]datatypes.JobStatus{datatypes.StatusPending},
				func(j *datatypes.AnalysisJob) error {
					j.Status = datatypes.StatusInProgress
					return nil
				})
			if err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

// TestUpdateJobMutateErrorAborts verifies a mutate error rolls the
// transaction back.
func TestUpdateJobMutateErrorAborts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx,
		newJob("job-1", "proj-a", datatypes.StatusPending, time.Now().UTC())))

	boom := fmt.Errorf("mutate failed")
	_, err := s.UpdateJob(ctx, "job-1", nil, func(j *datatypes.AnalysisJob) error {
		j.Status = datatypes.StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPending, got.Status)
}

// TestListJobsByProjectNewestFirst verifies index-backed listing order.
func TestListJobsByProjectNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.NoError(t, s.CreateJob(ctx,
			newJob(id, "proj-a", datatypes.StatusCompleted, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.CreateJob(ctx,
		newJob("other", "proj-b", datatypes.StatusCompleted, base)))

	jobs, err := s.ListJobs(ctx, store.ListFilter{ProjectID: "proj-a"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-2", jobs[0].ID)
	assert.Equal(t, "job-1", jobs[1].ID)
	assert.Equal(t, "job-0", jobs[2].ID)
}

// TestListJobsStatusFilterAndLimit verifies status filtering and the
// limit short-circuit.
func TestListJobsStatusFilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	statuses := []datatypes.JobStatus{
		datatypes.StatusCompleted, datatypes.StatusFailed,
		datatypes.StatusCompleted, datatypes.StatusPending,
	}
	for i, st := range statuses {
		require.NoError(t, s.CreateJob(ctx,
			newJob(fmt.Sprintf("job-%d", i), "proj-a", st, base.Add(time.Duration(i)*time.Minute))))
	}

	jobs, err := s.ListJobs(ctx, store.ListFilter{
		ProjectID: "proj-a",
		Statuses:  []datatypes.JobStatus{datatypes.StatusCompleted},
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = s.ListJobs(ctx, store.ListFilter{
		ProjectID: "proj-a",
		Statuses:  []datatypes.JobStatus{datatypes.StatusCompleted},
		Limit:     1,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].ID)
}

// TestListJobsAllProjects verifies the full-scan path sorts newest
// first.
func TestListJobsAllProjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateJob(ctx, newJob("old", "proj-a", datatypes.StatusPending, base)))
	require.NoError(t, s.CreateJob(ctx, newJob("new", "proj-b", datatypes.StatusPending, base.Add(time.Minute))))

	jobs, err := s.ListJobs(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
}

// TestHistoryRoundTrip verifies history append and range listing,
// oldest first.
func TestHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendHistory(ctx, datatypes.HistoryEntry{
			JobID:         fmt.Sprintf("job-%d", i),
			ProjectID:     "proj-a",
			Timestamp:     base.Add(time.Duration(i) * 24 * time.Hour),
			SecurityScore: 60 + i,
			ThreatLevel:   datatypes.SeverityMedium,
		}))
	}

	all, err := s.ListHistory(ctx, "proj-a", nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "job-0", all[0].JobID)
	assert.Equal(t, "job-2", all[2].JobID)

	since := base.Add(12 * time.Hour)
	until := base.Add(36 * time.Hour)
	ranged, err := s.ListHistory(ctx, "proj-a", &since, &until)
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "job-1", ranged[0].JobID)

	other, err := s.ListHistory(ctx, "proj-b", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, other)
}

// TestCompletedRangeFilter verifies the CompletedAfter/Before filter.
func TestCompletedRangeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		job := newJob(fmt.Sprintf("job-%d", i), "proj-a", datatypes.StatusCompleted,
			base.Add(time.Duration(i)*time.Hour))
		done := base.Add(time.Duration(i) * 24 * time.Hour)
		job.CompletedAt = &done
		require.NoError(t, s.CreateJob(ctx, job))
	}

	after := base.Add(12 * time.Hour)
	jobs, err := s.ListJobs(ctx, store.ListFilter{
		ProjectID:      "proj-a",
		CompletedAfter: &after,
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
