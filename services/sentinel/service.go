// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sentinel is the service facade that ties the orchestrator,
// remediation workflow, scheduler, and webhook ingestor together behind
// one API surface.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/orchestrator"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/remediation"
	"github.com/AleutianAI/sentinel/services/sentinel/scheduler"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/webhook"
)

// Service bundles the subsystem entry points the API layer needs.
type Service struct {
	Jobs         store.JobStore
	Orchestrator *orchestrator.Orchestrator
	Workflow     *remediation.Workflow
	Scheduler    *scheduler.Scheduler
	Ingestor     *webhook.Ingestor
	Projects     projects.Source
}

// StartJobRequest holds the fields of a manual job submission.
type StartJobRequest struct {
	ProjectID string `json:"projectId" binding:"required"`
	UserID    string `json:"userId" binding:"required"`
	CommitRef string `json:"commitRef,omitempty"`
	// Run executes the job synchronously when true. Default is a
	// background run.
	Run bool `json:"run,omitempty"`
}

// ApprovalRequest is a remediation decision submission.
type ApprovalRequest struct {
	Decision          string   `json:"decision" binding:"required,oneof=APPROVE_ALL REJECT_ALL PARTIAL"`
	SelectedActionIDs []string `json:"selectedActionIds,omitempty"`
	Actor             string   `json:"actor" binding:"required"`
	Comments          string   `json:"comments,omitempty"`
}

// StartJob creates a job and launches its run.
func (s *Service) StartJob(ctx context.Context, req StartJobRequest) (*datatypes.AnalysisJob, error) {
	job, err := s.Orchestrator.CreateJob(ctx, req.ProjectID, req.UserID, req.CommitRef,
		datatypes.TriggerManual, nil)
	if err != nil {
		return nil, err
	}
	if req.Run {
		if err := s.Orchestrator.RunJob(ctx, job.ID); err != nil {
			return nil, err
		}
		return s.Jobs.GetJob(ctx, job.ID)
	}
	s.Orchestrator.LaunchJob(job.ID)
	return job, nil
}

// GetJob fetches one job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (*datatypes.AnalysisJob, error) {
	return s.Jobs.GetJob(ctx, jobID)
}

// ListJobs lists jobs matching the filter, newest first.
func (s *Service) ListJobs(ctx context.Context, filter store.ListFilter) ([]*datatypes.AnalysisJob, error) {
	return s.Jobs.ListJobs(ctx, filter)
}

// SubmitApproval records a human decision on a job awaiting approval
// and, when any actions were approved, executes them against the
// project's tracked branch.
func (s *Service) SubmitApproval(ctx context.Context, jobID string, req ApprovalRequest) (*datatypes.AnalysisJob, error) {
	job, err := s.Workflow.Decide(ctx, jobID, remediation.Decision(req.Decision),
		req.SelectedActionIDs, req.Actor, req.Comments)
	if err != nil {
		return nil, err
	}

	approved := approvedActionIDs(job)
	if len(approved) == 0 {
		return job, nil
	}

	targetBranch := ""
	if cfg, perr := s.Projects.Get(ctx, job.ProjectID); perr == nil {
		targetBranch = cfg.Branch
	}
	if _, err := s.Workflow.Execute(ctx, jobID, approved, targetBranch); err != nil {
		return nil, fmt.Errorf("execute approved remediations: %w", err)
	}
	return s.Jobs.GetJob(ctx, jobID)
}

// ProjectHistory returns a project's per-job score trend, oldest first.
func (s *Service) ProjectHistory(ctx context.Context, projectID string, since, until *time.Time) ([]datatypes.HistoryEntry, error) {
	if _, err := s.Projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.Jobs.ListHistory(ctx, projectID, since, until)
}

// TriggerScheduledRun forces one scheduler sweep for the given cadence,
// bypassing the tick interval.
func (s *Service) TriggerScheduledRun(ctx context.Context, cadence datatypes.Cadence) (int, error) {
	return s.Scheduler.RunDue(ctx, cadence)
}

// ReceivePushWebhook forwards one verified delivery to the ingestor.
func (s *Service) ReceivePushWebhook(ctx context.Context, signature string, rawPayload []byte, event webhook.PushEvent) (*webhook.Outcome, error) {
	return s.Ingestor.HandlePushEvent(ctx, signature, rawPayload, event)
}

// approvedActionIDs collects the ids the decision marked approved.
func approvedActionIDs(job *datatypes.AnalysisJob) []string {
	if job.HumanApproval == nil {
		return nil
	}
	return job.HumanApproval.ApprovedActions
}

// IsNotFound reports whether err maps to a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrJobNotFound) || errors.Is(err, projects.ErrProjectNotFound)
}
