// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/store/badgerstore"
)

// fakeRunner records enqueues and persists the PENDING record so the
// scheduler's own due checks see it.
type fakeRunner struct {
	jobs *badgerstore.Store

	mu      sync.Mutex
	created []string
	failFor map[string]bool
}

func (r *fakeRunner) CreateJob(ctx context.Context, projectID, userID, commitRef string, trigger datatypes.TriggerSource, changedFiles []string) (*datatypes.AnalysisJob, error) {
	if r.failFor[projectID] {
		return nil, errors.New("enqueue refused")
	}
	job := &datatypes.AnalysisJob{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		UserID:      userID,
		CommitRef:   commitRef,
		Status:      datatypes.StatusPending,
		TriggeredBy: trigger,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.created = append(r.created, projectID)
	r.mu.Unlock()
	return job, nil
}

func (r *fakeRunner) RunJob(context.Context, string) error { return nil }

func (r *fakeRunner) enqueuedProjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.created...)
}

type schedFixture struct {
	jobs     *badgerstore.Store
	runner   *fakeRunner
	sched    *Scheduler
	launched []string
}

func newSchedFixture(t *testing.T, configs ...datatypes.ProjectScanConfig) *schedFixture {
	t.Helper()
	jobs, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	byID := make(map[string]datatypes.ProjectScanConfig, len(configs))
	for _, cfg := range configs {
		byID[cfg.ProjectID] = cfg
	}
	source := &projects.StaticSource{Configs: byID}
	runner := &fakeRunner{jobs: jobs, failFor: map[string]bool{}}

	f := &schedFixture{jobs: jobs, runner: runner}
	f.sched = New(jobs, source, runner, nil, Config{})
	f.sched.launch = func(jobID string) { f.launched = append(f.launched, jobID) }
	return f
}

func (f *schedFixture) seedCompleted(t *testing.T, projectID string, age time.Duration) {
	t.Helper()
	completed := time.Now().UTC().Add(-age)
	job := &datatypes.AnalysisJob{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Status:      datatypes.StatusCompleted,
		TriggeredBy: datatypes.TriggerScheduled,
		CreatedAt:   completed,
		CompletedAt: &completed,
	}
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))
}

func dailyProject(id string) datatypes.ProjectScanConfig {
	return datatypes.ProjectScanConfig{ProjectID: id, Branch: "main", Cadence: datatypes.CadenceDaily}
}

// TestRunDueEnqueuesNeverScannedProject verifies a project with no job
// history is always due.
func TestRunDueEnqueuesNeverScannedProject(t *testing.T) {
	f := newSchedFixture(t, dailyProject("proj-a"))

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceDaily)
	require.NoError(t, err)

	assert.Equal(t, 1, enqueued)
	assert.Equal(t, []string{"proj-a"}, f.runner.enqueuedProjects())
	assert.Len(t, f.launched, 1)
}

// TestRunDueSkipsFreshCompletion verifies the 20h DAILY freshness
// window suppresses the enqueue.
func TestRunDueSkipsFreshCompletion(t *testing.T) {
	f := newSchedFixture(t, dailyProject("proj-a"))
	f.seedCompleted(t, "proj-a", 10*time.Hour)

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceDaily)
	require.NoError(t, err)

	assert.Zero(t, enqueued)
	assert.Empty(t, f.launched)
}

// TestRunDueEnqueuesStaleCompletion verifies a completion older than
// the window no longer suppresses.
func TestRunDueEnqueuesStaleCompletion(t *testing.T) {
	f := newSchedFixture(t, dailyProject("proj-a"))
	f.seedCompleted(t, "proj-a", 25*time.Hour)

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
}

// TestRunDueWeeklyWindow verifies the 6d WEEKLY freshness window.
func TestRunDueWeeklyWindow(t *testing.T) {
	weekly := datatypes.ProjectScanConfig{ProjectID: "proj-w", Branch: "main", Cadence: datatypes.CadenceWeekly}
	f := newSchedFixture(t, weekly)
	f.seedCompleted(t, "proj-w", 5*24*time.Hour)

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceWeekly)
	require.NoError(t, err)
	assert.Zero(t, enqueued)

	f2 := newSchedFixture(t, weekly)
	f2.seedCompleted(t, "proj-w", 7*24*time.Hour)
	enqueued, err = f2.sched.RunDue(context.Background(), datatypes.CadenceWeekly)
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
}

// TestRunDueSkipsInFlightJob verifies an active PENDING or IN_PROGRESS
// job suppresses a new enqueue.
func TestRunDueSkipsInFlightJob(t *testing.T) {
	f := newSchedFixture(t, dailyProject("proj-a"))
	_, err := f.runner.CreateJob(context.Background(), "proj-a", "", "latest",
		datatypes.TriggerManual, nil)
	require.NoError(t, err)
	f.runner.created = nil

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceDaily)
	require.NoError(t, err)
	assert.Zero(t, enqueued)
	assert.Empty(t, f.runner.enqueuedProjects())
}

// TestRunDueFiltersByCadence verifies a WEEKLY project is untouched by
// the DAILY pass.
func TestRunDueFiltersByCadence(t *testing.T) {
	f := newSchedFixture(t,
		dailyProject("proj-a"),
		datatypes.ProjectScanConfig{ProjectID: "proj-w", Branch: "main", Cadence: datatypes.CadenceWeekly},
	)

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, []string{"proj-a"}, f.runner.enqueuedProjects())
}

// TestRunDueRejectsOnEventCadence verifies ON_EVENT has no
// scheduler-driven runs.
func TestRunDueRejectsOnEventCadence(t *testing.T) {
	f := newSchedFixture(t, dailyProject("proj-a"))

	_, err := f.sched.RunDue(context.Background(), datatypes.CadenceOnEvent)
	assert.ErrorIs(t, err, ErrNotSchedulable)
	assert.Empty(t, f.runner.enqueuedProjects())
}

// TestRunDueIsolatesProjectFailures verifies one project's enqueue
// failure never blocks the rest of the pass.
func TestRunDueIsolatesProjectFailures(t *testing.T) {
	f := newSchedFixture(t, dailyProject("proj-bad"), dailyProject("proj-good"))
	f.runner.failFor["proj-bad"] = true

	enqueued, err := f.sched.RunDue(context.Background(), datatypes.CadenceDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, []string{"proj-good"}, f.runner.enqueuedProjects())
}

// TestStartStopIdempotent exercises the loop lifecycle.
func TestStartStopIdempotent(t *testing.T) {
	f := newSchedFixture(t)
	f.sched.interval = 10 * time.Millisecond

	f.sched.Start()
	f.sched.Start()
	time.Sleep(30 * time.Millisecond)
	f.sched.Stop()
	f.sched.Stop()
}
