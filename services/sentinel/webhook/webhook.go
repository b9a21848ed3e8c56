// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package webhook authenticates and filters inbound push events into
// analysis jobs.
//
// Authentication is an HMAC-SHA256 constant-time comparison over the
// raw payload bytes using the project's shared secret. Everything that
// merely fails a filter (wrong branch, wrong cadence, empty change
// set) is an "ignored" outcome, not an error: providers treat non-2xx
// responses as delivery failures and retry.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/telemetry"
)

// ErrBadSignature indicates the payload signature did not verify.
// Rejected before any state change.
var ErrBadSignature = errors.New("webhook signature verification failed")

// PushEvent is the provider-neutral shape of a parsed push delivery.
// The thin API layer maps each provider's wire format onto this.
type PushEvent struct {
	ProjectID string `json:"project_id"`

	// Event is the delivery kind; only "push" creates jobs.
	Event string `json:"event"`

	// Ref is the target ref, e.g. "refs/heads/main" or "main".
	Ref string `json:"ref"`

	// CommitID is the pushed head commit.
	CommitID string `json:"commit_id"`

	ChangedFiles []string `json:"changed_files"`

	// Pusher is the user who pushed, recorded on the job.
	Pusher string `json:"pusher,omitempty"`
}

// Outcome reports what happened to a delivery. Ignored deliveries get
// a 200 response with the reason; accepted ones carry the new job id.
type Outcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	JobID    string `json:"job_id,omitempty"`
}

// JobRunner creates and runs analysis jobs. Satisfied by the
// orchestrator.
type JobRunner interface {
	CreateJob(ctx context.Context, projectID, userID, commitRef string, trigger datatypes.TriggerSource, changedFiles []string) (*datatypes.AnalysisJob, error)
	RunJob(ctx context.Context, jobID string) error
}

// Ingestor turns authenticated push events into jobs.
type Ingestor struct {
	projects projects.Source
	runner   JobRunner
	metrics  *telemetry.Metrics

	// launch starts a job run in the background. Overridable in tests.
	launch func(jobID string)
}

// NewIngestor creates an ingestor. metrics may be nil.
func NewIngestor(projectSrc projects.Source, runner JobRunner, metrics *telemetry.Metrics) *Ingestor {
	i := &Ingestor{
		projects: projectSrc,
		runner:   runner,
		metrics:  metrics,
	}
	i.launch = func(jobID string) {
		go func() {
			if err := runner.RunJob(context.Background(), jobID); err != nil {
				slog.Error("Webhook job run failed", "job_id", jobID, "error", err)
			}
		}()
	}
	return i
}

// HandlePushEvent authenticates and filters one delivery.
//
// Returns ErrBadSignature (or a secret lookup failure) before any state
// change when authentication fails. Every other non-accepting path is
// an ignored Outcome with a nil error.
func (i *Ingestor) HandlePushEvent(ctx context.Context, signature string, rawPayload []byte, event PushEvent) (*Outcome, error) {
	logger := slog.With("project_id", event.ProjectID, "event", event.Event)

	cfg, err := i.projects.Get(ctx, event.ProjectID)
	if err != nil {
		if errors.Is(err, projects.ErrProjectNotFound) {
			return i.ignored(ctx, logger, "no scan config for project"), nil
		}
		return nil, err
	}

	if err := i.verifySignature(event.ProjectID, signature, rawPayload); err != nil {
		i.metrics.RecordWebhookEvent(ctx, "rejected")
		logger.Warn("Webhook delivery rejected", "error", err)
		return nil, err
	}

	if event.Event != "push" {
		return i.ignored(ctx, logger, "not a push event"), nil
	}
	if branchOf(event.Ref) != cfg.Branch {
		return i.ignored(ctx, logger, "ref is not the tracked branch"), nil
	}
	if cfg.Cadence != datatypes.CadenceOnEvent {
		return i.ignored(ctx, logger, "project cadence is not ON_EVENT"), nil
	}
	if len(event.ChangedFiles) == 0 {
		return i.ignored(ctx, logger, "empty changed-file set"), nil
	}

	job, err := i.runner.CreateJob(ctx, event.ProjectID, event.Pusher, event.CommitID,
		datatypes.TriggerWebhook, event.ChangedFiles)
	if err != nil {
		return nil, fmt.Errorf("create webhook job: %w", err)
	}

	i.metrics.RecordWebhookEvent(ctx, "accepted")
	logger.Info("Webhook delivery accepted",
		"job_id", job.ID,
		"commit_id", event.CommitID,
		"changed_files", len(event.ChangedFiles))

	i.launch(job.ID)
	return &Outcome{Accepted: true, JobID: job.ID}, nil
}

// verifySignature checks the HMAC-SHA256 of the raw payload against the
// delivery signature in constant time.
func (i *Ingestor) verifySignature(projectID, signature string, rawPayload []byte) error {
	secret, err := i.projects.WebhookSecret(projectID)
	if err != nil {
		return fmt.Errorf("webhook secret unavailable: %w", err)
	}
	defer secret.Destroy()

	mac := hmac.New(sha256.New, secret.Bytes())
	mac.Write(rawPayload)
	expected := mac.Sum(nil)

	// Providers commonly prefix the hex digest with "sha256=".
	given, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !hmac.Equal(expected, given) {
		return ErrBadSignature
	}
	return nil
}

func (i *Ingestor) ignored(ctx context.Context, logger *slog.Logger, reason string) *Outcome {
	i.metrics.RecordWebhookEvent(ctx, "ignored")
	logger.Info("Webhook delivery ignored", "reason", reason)
	return &Outcome{Reason: reason}
}

// branchOf strips the refs/heads/ prefix so configs can name plain
// branches.
func branchOf(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
