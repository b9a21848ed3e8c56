// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler enqueues analysis jobs for projects whose scan
// cadence is due.
//
// The scheduler is an explicitly constructed component with Start/Stop
// lifecycle and injected dependencies; there is no process-global
// state. Its dedup checks are a courtesy against obvious duplicates —
// the orchestrator's PENDING→IN_PROGRESS compare-and-set remains the
// real guarantee, since manual and webhook triggers race independently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/telemetry"
)

// ErrNotSchedulable indicates the cadence has no scheduler-driven runs
// (ON_EVENT projects are enqueued only by webhooks).
var ErrNotSchedulable = errors.New("cadence is not schedulable")

// Freshness windows: a COMPLETED job younger than this suppresses a new
// enqueue for the cadence. Shorter than the nominal cadence to tolerate
// scheduler jitter without creating duplicates.
const (
	dailyFreshness  = 20 * time.Hour
	weeklyFreshness = 6 * 24 * time.Hour
)

// JobRunner creates and runs analysis jobs. Satisfied by the
// orchestrator.
type JobRunner interface {
	CreateJob(ctx context.Context, projectID, userID, commitRef string, trigger datatypes.TriggerSource, changedFiles []string) (*datatypes.AnalysisJob, error)
	RunJob(ctx context.Context, jobID string) error
}

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is how often due projects are checked. Both DAILY
	// and WEEKLY cadences are evaluated each tick; the freshness
	// windows prevent over-enqueueing. Default: 1 hour.
	TickInterval time.Duration
}

// Scheduler periodically enqueues due scans.
//
// Thread Safety: all public methods are safe for concurrent use.
type Scheduler struct {
	jobs     store.JobStore
	projects projects.Source
	runner   JobRunner
	metrics  *telemetry.Metrics
	interval time.Duration

	// launch starts a job run in the background. Overridable in tests.
	launch func(jobID string)

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates a scheduler with injected dependencies. metrics may be
// nil.
func New(jobs store.JobStore, projectSrc projects.Source, runner JobRunner, metrics *telemetry.Metrics, cfg Config) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Scheduler{
		jobs:     jobs,
		projects: projectSrc,
		runner:   runner,
		metrics:  metrics,
		interval: interval,
	}
	s.launch = func(jobID string) {
		go func() {
			// Runs outlive the tick that started them.
			if err := runner.RunJob(context.Background(), jobID); err != nil {
				slog.Error("Scheduled job run failed", "job_id", jobID, "error", err)
			}
		}()
	}
	return s
}

// Start begins the background scheduling loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.loop(s.done, s.stopped)
	slog.Info("Scheduler started", "tick_interval", s.interval)
}

// Stop halts the loop and waits for the current tick to finish.
// Idempotent. In-flight job runs are not cancelled; they run to a
// terminal state on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done, stopped := s.done, s.stopped
	s.mu.Unlock()

	close(done)
	<-stopped
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) loop(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx := context.Background()
			for _, cadence := range []datatypes.Cadence{datatypes.CadenceDaily, datatypes.CadenceWeekly} {
				if _, err := s.RunDue(ctx, cadence); err != nil {
					slog.Error("Due-scan pass failed", "cadence", cadence, "error", err)
				}
			}
		}
	}
}

// RunDue enqueues a job for every project of the given cadence that is
// due and returns the number enqueued. One project's failure is logged
// and never blocks the others.
//
// This is also the manual-trigger entry point for operational use.
func (s *Scheduler) RunDue(ctx context.Context, cadence datatypes.Cadence) (int, error) {
	window, ok := freshnessWindow(cadence)
	if !ok {
		return 0, fmt.Errorf("cadence %s: %w", cadence, ErrNotSchedulable)
	}

	configs, err := s.projects.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}

	enqueued := 0
	for _, cfg := range configs {
		if cfg.Cadence != cadence {
			continue
		}
		due, reason, err := s.isDue(ctx, cfg.ProjectID, window)
		if err != nil {
			slog.Error("Due check failed, skipping project", "project_id", cfg.ProjectID, "error", err)
			continue
		}
		if !due {
			slog.Debug("Project not due", "project_id", cfg.ProjectID, "reason", reason)
			continue
		}

		job, err := s.runner.CreateJob(ctx, cfg.ProjectID, "", "latest", datatypes.TriggerScheduled, nil)
		if err != nil {
			slog.Error("Enqueue failed, skipping project", "project_id", cfg.ProjectID, "error", err)
			continue
		}
		s.metrics.RecordSchedulerEnqueue(ctx, string(cadence))
		s.launch(job.ID)
		enqueued++
	}

	slog.Info("Due-scan pass complete", "cadence", cadence, "enqueued", enqueued)
	return enqueued, nil
}

// isDue applies the two skip rules: an active job for the project, or a
// COMPLETED job inside the freshness window.
func (s *Scheduler) isDue(ctx context.Context, projectID string, window time.Duration) (bool, string, error) {
	active, err := s.jobs.ListJobs(ctx, store.ListFilter{
		ProjectID: projectID,
		Statuses:  []datatypes.JobStatus{datatypes.StatusPending, datatypes.StatusInProgress},
		Limit:     1,
	})
	if err != nil {
		return false, "", err
	}
	if len(active) > 0 {
		return false, "job already in flight", nil
	}

	recent, err := s.jobs.ListJobs(ctx, store.ListFilter{
		ProjectID: projectID,
		Statuses:  []datatypes.JobStatus{datatypes.StatusCompleted},
		Limit:     1,
	})
	if err != nil {
		return false, "", err
	}
	if len(recent) > 0 && recent[0].CompletedAt != nil {
		if time.Since(*recent[0].CompletedAt) < window {
			return false, "completed within freshness window", nil
		}
	}
	return true, "", nil
}

func freshnessWindow(c datatypes.Cadence) (time.Duration, bool) {
	switch c {
	case datatypes.CadenceDaily:
		return dailyFreshness, true
	case datatypes.CadenceWeekly:
		return weeklyFreshness, true
	default:
		return 0, false
	}
}
