// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the durable Job Store consumed by the Sentinel
// pipeline: CRUD plus optimistic, status-preconditioned updates for job
// records and an append-only history log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
)

// Sentinel errors for store operations.
var (
	// ErrJobNotFound indicates no job exists with the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists indicates a create collided with an existing id.
	ErrJobExists = errors.New("job already exists")

	// ErrStatusConflict indicates an update's status precondition failed.
	// Callers treat this as "someone else got there first", not a crash.
	ErrStatusConflict = errors.New("job status precondition failed")
)

// ListFilter narrows a ListJobs query.
//
// Zero-value fields are ignored. CompletedAfter/CompletedBefore filter
// on the job's completion time and support trend reporting queries.
type ListFilter struct {
	ProjectID       string
	Statuses        []datatypes.JobStatus
	CompletedAfter  *time.Time
	CompletedBefore *time.Time

	// Limit caps the number of jobs returned, newest first. 0 = no cap.
	Limit int
}

// Matches reports whether a job passes the filter.
func (f ListFilter) Matches(job *datatypes.AnalysisJob) bool {
	if f.ProjectID != "" && job.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if job.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.CompletedAfter != nil {
		if job.CompletedAt == nil || job.CompletedAt.Before(*f.CompletedAfter) {
			return false
		}
	}
	if f.CompletedBefore != nil {
		if job.CompletedAt == nil || job.CompletedAt.After(*f.CompletedBefore) {
			return false
		}
	}
	return true
}

// MutateFunc edits a job in place inside an UpdateJob transaction.
// Returning an error aborts the update without persisting anything.
type MutateFunc func(job *datatypes.AnalysisJob) error

// JobStore is the durable persistence surface for analysis jobs.
//
// Implementations must make UpdateJob atomic: the read, precondition
// check, mutation, and write happen under one transaction so concurrent
// updaters cannot interleave. That atomicity is what the orchestrator's
// at-most-one-active-run guarantee and the single-shot approval decision
// are built on.
type JobStore interface {
	// CreateJob persists a new job record.
	// Returns ErrJobExists if the id is already taken.
	CreateJob(ctx context.Context, job *datatypes.AnalysisJob) error

	// GetJob loads one job by id. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, id string) (*datatypes.AnalysisJob, error)

	// UpdateJob atomically applies mutate to the stored job.
	//
	// If expect is non-empty, the stored job's status must be one of the
	// expected values at transaction time or the update fails with
	// ErrStatusConflict and nothing is written. This is the store's
	// compare-and-set primitive.
	UpdateJob(ctx context.Context, id string, expect []datatypes.JobStatus, mutate MutateFunc) (*datatypes.AnalysisJob, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*datatypes.AnalysisJob, error)

	// AppendHistory appends one immutable history entry.
	AppendHistory(ctx context.Context, entry datatypes.HistoryEntry) error

	// ListHistory returns a project's history entries within the
	// optional [since, until] range, oldest first.
	ListHistory(ctx context.Context, projectID string, since, until *time.Time) ([]datatypes.HistoryEntry, error)

	// Close releases underlying resources.
	Close() error
}
