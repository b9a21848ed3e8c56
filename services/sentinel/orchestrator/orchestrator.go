// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives one analysis job end-to-end through the
// staged pipeline: fetch code, analyze files, build the threat model,
// propose remediations, and land the job in a terminal state.
//
// Correctness properties the implementation leans on:
//
//   - At-most-one active run per job id, via the store's atomic
//     PENDING→IN_PROGRESS compare-and-set. A losing invocation aborts
//     silently.
//   - Per-file failures are counted and skipped, never fatal. Only the
//     single-shot steps (file listing, threat modeling) fail the job.
//   - A stage update is persisted before each step; progress is derived
//     from the stage, so it is non-decreasing by construction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/engine"
	"github.com/AleutianAI/sentinel/services/sentinel/events"
	"github.com/AleutianAI/sentinel/services/sentinel/remediation"
	"github.com/AleutianAI/sentinel/services/sentinel/repo"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/taskpool"
	"github.com/AleutianAI/sentinel/services/sentinel/telemetry"
)

// ErrProjectRequired indicates a job was requested without a project id.
var ErrProjectRequired = errors.New("project id is required")

// ProjectSource resolves a project's scan configuration.
type ProjectSource interface {
	Get(ctx context.Context, projectID string) (*datatypes.ProjectScanConfig, error)
}

// Config tunes the orchestrator. Zero values take the defaults noted on
// each field.
type Config struct {
	// MaxFilesPerJob caps how many files one job analyzes, in listed
	// order. Default: 10.
	MaxFilesPerJob int

	// AnalyzeConcurrency bounds the per-file fan-out. Results always
	// merge in listing order, so raising this never changes scoring.
	// Default: 1 (strictly sequential).
	AnalyzeConcurrency int

	// PerFileTimeout bounds one file's fetch or analyze call. A timeout
	// is a skipped file, not a failed job. Default: 30s.
	PerFileTimeout time.Duration

	// StepTimeout bounds the single-shot steps (file listing, threat
	// modeling), where a timeout fails the whole job. Default: 2m.
	StepTimeout time.Duration

	// DefaultScore substitutes for a missing per-file score and is the
	// job score when no file was successfully analyzed. Default: 50.
	DefaultScore int
}

func (c Config) withDefaults() Config {
	if c.MaxFilesPerJob <= 0 {
		c.MaxFilesPerJob = 10
	}
	if c.AnalyzeConcurrency <= 0 {
		c.AnalyzeConcurrency = 1
	}
	if c.PerFileTimeout <= 0 {
		c.PerFileTimeout = 30 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.DefaultScore <= 0 {
		c.DefaultScore = 50
	}
	return c
}

// Orchestrator runs analysis jobs against injected collaborators.
type Orchestrator struct {
	jobs          store.JobStore
	repos         repo.Client
	engine        engine.Engine
	workflow      *remediation.Workflow
	needsApproval remediation.ApprovalPredicate
	projects      ProjectSource
	publisher     events.Publisher
	metrics       *telemetry.Metrics
	cfg           Config
}

// New creates an orchestrator.
//
// publisher may be nil (no events) and metrics may be nil (no
// telemetry); both are common in tests. The approval predicate defaults
// to the workflow's own.
func New(jobs store.JobStore, repos repo.Client, eng engine.Engine, workflow *remediation.Workflow, projectSrc ProjectSource, publisher events.Publisher, metrics *telemetry.Metrics, cfg Config) *Orchestrator {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Orchestrator{
		jobs:          jobs,
		repos:         repos,
		engine:        eng,
		workflow:      workflow,
		needsApproval: workflow.NeedsApproval(),
		projects:      projectSrc,
		publisher:     publisher,
		metrics:       metrics,
		cfg:           cfg.withDefaults(),
	}
}

// LaunchJob starts a background run for the job. Errors surface only
// in the job record and the log; callers that need the result poll the
// job by id.
func (o *Orchestrator) LaunchJob(jobID string) {
	go func() {
		if err := o.RunJob(context.Background(), jobID); err != nil {
			slog.Error("Background job run failed", "job_id", jobID, "error", err)
		}
	}()
}

// CreateJob persists a new PENDING job record and returns it.
func (o *Orchestrator) CreateJob(ctx context.Context, projectID, userID, commitRef string, trigger datatypes.TriggerSource, changedFiles []string) (*datatypes.AnalysisJob, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}
	if commitRef == "" {
		commitRef = "latest"
	}

	job := &datatypes.AnalysisJob{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		UserID:       userID,
		CommitRef:    commitRef,
		Status:       datatypes.StatusPending,
		TriggeredBy:  trigger,
		ChangedFiles: changedFiles,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	slog.Info("Created analysis job",
		"job_id", job.ID,
		"project_id", projectID,
		"commit_ref", commitRef,
		"triggered_by", trigger)
	return job, nil
}

// RunJob drives one job from PENDING to a terminal state.
//
// A job already claimed by another invocation is a silent no-op. Any
// error past the claim marks the job FAILED with the captured message;
// there is no automatic whole-job retry.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	logger := slog.With("job_id", jobID)
	started := time.Now()

	now := started.UTC()
	stage := datatypes.StageFetchingCode
	job, err := o.jobs.UpdateJob(ctx, jobID,
		[]datatypes.JobStatus{datatypes.StatusPending},
		func(j *datatypes.AnalysisJob) error {
			j.Status = datatypes.StatusInProgress
			j.StartedAt = &now
			j.Stage = &stage
			return nil
		})
	if errors.Is(err, store.ErrStatusConflict) {
		logger.Debug("Job not PENDING, duplicate invocation aborts")
		return nil
	}
	if err != nil {
		return err
	}

	o.metrics.RecordJobStarted(ctx, string(job.TriggeredBy))
	logger.Info("Job run started", "project_id", job.ProjectID, "commit_ref", job.CommitRef)

	final, err := o.analyze(ctx, logger, job)
	if err != nil {
		final = o.failJob(ctx, logger, jobID, err)
		o.metrics.RecordJobFinished(ctx, string(datatypes.StatusFailed), time.Since(started))
		o.publish(ctx, final, err)
		return err
	}

	o.metrics.RecordJobFinished(ctx, string(final.Status), time.Since(started))
	o.publish(ctx, final, nil)

	logger.Info("Job run finished",
		"status", final.Status,
		"security_score", final.SecurityScore,
		"threat_level", final.ThreatLevel,
		"vulnerabilities", len(final.Vulnerabilities),
		"analysis_errors", final.AnalysisErrors,
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// analyze runs the staged pipeline and persists the terminal state.
func (o *Orchestrator) analyze(ctx context.Context, logger *slog.Logger, job *datatypes.AnalysisJob) (*datatypes.AnalysisJob, error) {
	project, err := o.projects.Get(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", job.ProjectID, err)
	}

	prior := o.priorCompletedJob(ctx, logger, job)

	// "latest" pins to the project's tracked branch so the remediation
	// workflow has a concrete base ref to branch from.
	if job.CommitRef == "latest" && project.Branch != "" {
		ref := project.Branch
		job, err = o.jobs.UpdateJob(ctx, job.ID,
			[]datatypes.JobStatus{datatypes.StatusInProgress},
			func(j *datatypes.AnalysisJob) error {
				j.CommitRef = ref
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("pin commit ref: %w", err)
		}
	}

	// FETCHING_CODE was persisted by the claiming update.
	paths, err := o.listFiles(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("list files at %s: %w", job.CommitRef, err)
	}

	selected := paths
	if len(selected) > o.cfg.MaxFilesPerJob {
		selected = selected[:o.cfg.MaxFilesPerJob]
	}

	if err := o.setStage(ctx, job.ID, datatypes.StageStaticAnalysis); err != nil {
		return nil, err
	}
	contents, fetchErrors := o.fetchContents(ctx, logger, job.CommitRef, selected)

	if err := o.setStage(ctx, job.ID, datatypes.StageAIAnalysis); err != nil {
		return nil, err
	}
	vulns, score, analyzeErrors := o.analyzeFiles(ctx, logger, selected, contents)
	analysisErrors := fetchErrors + analyzeErrors

	if err := o.setStage(ctx, job.ID, datatypes.StageThreatModeling); err != nil {
		return nil, err
	}
	model, err := o.buildThreatModel(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("build threat model: %w", err)
	}

	threatLevel := datatypes.MaxSeverity(vulns)

	actions := o.workflow.ProposeActions(ctx, vulns, contents)
	needsApproval := o.needsApproval(actions)

	newCount, resolvedCount := vulnerabilityDelta(vulns, prior)

	now := time.Now().UTC()
	final, err := o.jobs.UpdateJob(ctx, job.ID,
		[]datatypes.JobStatus{datatypes.StatusInProgress},
		func(j *datatypes.AnalysisJob) error {
			j.Vulnerabilities = vulns
			j.SecurityScore = score
			j.ThreatLevel = threatLevel
			j.ThreatModel = model
			j.ProposedRemediations = actions
			j.AnalysisErrors = analysisErrors
			j.Stage = nil
			if prior != nil {
				j.PreviousJobID = prior.ID
			}
			if needsApproval {
				j.Status = datatypes.StatusAwaitingApproval
				j.HumanApproval = &datatypes.HumanApproval{Status: datatypes.ApprovalPending}
			} else {
				j.Status = datatypes.StatusCompleted
				j.CompletedAt = &now
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("persist final state: %w", err)
	}

	entry := datatypes.HistoryEntry{
		JobID:         final.ID,
		ProjectID:     final.ProjectID,
		Timestamp:     now,
		SecurityScore: final.SecurityScore,
		ThreatLevel:   final.ThreatLevel,
		NewVulns:      newCount,
		ResolvedVulns: resolvedCount,
		TriggeredBy:   final.TriggeredBy,
	}
	if err := o.jobs.AppendHistory(ctx, entry); err != nil {
		logger.Error("Failed to append history entry", "error", err)
	}

	return final, nil
}

// listFiles resolves the file set for the job: the webhook-provided
// changed files when present, otherwise the full listing at the ref.
func (o *Orchestrator) listFiles(ctx context.Context, job *datatypes.AnalysisJob) ([]string, error) {
	if len(job.ChangedFiles) > 0 {
		return job.ChangedFiles, nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	infos, err := o.repos.ListFiles(stepCtx, job.CommitRef)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, info.Path)
	}
	return paths, nil
}

// fetchContents fetches the selected files with bounded fan-out.
// Failed fetches are logged and counted; the files simply drop out of
// the analysis set.
func (o *Orchestrator) fetchContents(ctx context.Context, logger *slog.Logger, ref string, paths []string) (map[string]string, int) {
	results := taskpool.Map(ctx, o.cfg.AnalyzeConcurrency, paths,
		func(ctx context.Context, path string) (string, error) {
			fileCtx, cancel := context.WithTimeout(ctx, o.cfg.PerFileTimeout)
			defer cancel()
			return o.repos.GetFileContent(fileCtx, path, ref)
		})

	contents := make(map[string]string, len(paths))
	failures := 0
	for i, r := range results {
		if r.Err != nil {
			failures++
			logger.Warn("File fetch failed, skipping", "file", paths[i], "error", r.Err)
			continue
		}
		contents[paths[i]] = r.Value
	}
	return contents, failures
}

// analyzeFiles runs the engine over the fetched files in listing order
// and reduces per-file results to the job's vulnerabilities and score.
func (o *Orchestrator) analyzeFiles(ctx context.Context, logger *slog.Logger, paths []string, contents map[string]string) ([]datatypes.Vulnerability, int, int) {
	// Listing order, fetched files only.
	analyzable := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := contents[p]; ok {
			analyzable = append(analyzable, p)
		}
	}

	results := taskpool.Map(ctx, o.cfg.AnalyzeConcurrency, analyzable,
		func(ctx context.Context, path string) (*engine.FileAnalysis, error) {
			fileCtx, cancel := context.WithTimeout(ctx, o.cfg.PerFileTimeout)
			defer cancel()
			analysis, err := o.engine.AnalyzeFile(fileCtx, contents[path], path)
			o.metrics.RecordEngineCall(ctx, "analyze_file", err)
			return analysis, err
		})

	var vulns []datatypes.Vulnerability
	scoreSum, scored, failures := 0, 0, 0
	for i, r := range results {
		if r.Err != nil {
			failures++
			logger.Warn("File analysis failed, skipping", "file", analyzable[i], "error", r.Err)
			continue
		}

		score := r.Value.SecurityScore
		if score <= 0 {
			score = o.cfg.DefaultScore
		}
		scoreSum += score
		scored++

		for _, v := range r.Value.Vulnerabilities {
			v.ID = uuid.NewString()
			v.File = analyzable[i]
			v.Fingerprint = datatypes.Fingerprint(v.File, v.Line, v.Type)
			vulns = append(vulns, v)
		}
	}

	score := o.cfg.DefaultScore
	if scored > 0 {
		score = int(math.Round(float64(scoreSum) / float64(scored)))
	}
	return vulns, score, failures
}

func (o *Orchestrator) buildThreatModel(ctx context.Context, paths []string) (*datatypes.ThreatModel, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	model, err := o.engine.BuildThreatModel(stepCtx, paths)
	o.metrics.RecordEngineCall(ctx, "build_threat_model", err)
	return model, err
}

// setStage persists a stage update before the next step runs.
func (o *Orchestrator) setStage(ctx context.Context, jobID string, stage datatypes.Stage) error {
	_, err := o.jobs.UpdateJob(ctx, jobID,
		[]datatypes.JobStatus{datatypes.StatusInProgress},
		func(j *datatypes.AnalysisJob) error {
			j.Stage = &stage
			return nil
		})
	if err != nil {
		return fmt.Errorf("persist stage %s: %w", stage, err)
	}
	return nil
}

// priorCompletedJob resolves the most recent COMPLETED job for the
// project, for the new/resolved delta. Absence is normal for a first
// run.
func (o *Orchestrator) priorCompletedJob(ctx context.Context, logger *slog.Logger, job *datatypes.AnalysisJob) *datatypes.AnalysisJob {
	priors, err := o.jobs.ListJobs(ctx, store.ListFilter{
		ProjectID: job.ProjectID,
		Statuses:  []datatypes.JobStatus{datatypes.StatusCompleted},
		Limit:     2,
	})
	if err != nil {
		logger.Warn("Prior job lookup failed, delta will treat all findings as new", "error", err)
		return nil
	}
	for _, p := range priors {
		if p.ID != job.ID {
			return p
		}
	}
	return nil
}

// vulnerabilityDelta compares fingerprints against the prior run.
// New = present now, absent before. Resolved = present before, absent
// now. With no prior job everything current is new.
func vulnerabilityDelta(current []datatypes.Vulnerability, prior *datatypes.AnalysisJob) (newCount, resolvedCount int) {
	priorSet := make(map[string]bool)
	if prior != nil {
		for _, v := range prior.Vulnerabilities {
			priorSet[v.Fingerprint] = true
		}
	}
	currentSet := make(map[string]bool, len(current))
	for _, v := range current {
		currentSet[v.Fingerprint] = true
		if !priorSet[v.Fingerprint] {
			newCount++
		}
	}
	for fp := range priorSet {
		if !currentSet[fp] {
			resolvedCount++
		}
	}
	return newCount, resolvedCount
}

// failJob marks the job FAILED with the captured error. The stage at
// failure is retained; no history entry is appended.
func (o *Orchestrator) failJob(ctx context.Context, logger *slog.Logger, jobID string, cause error) *datatypes.AnalysisJob {
	logger.Error("Job run failed", "error", cause)

	now := time.Now().UTC()
	failed, err := o.jobs.UpdateJob(ctx, jobID,
		[]datatypes.JobStatus{datatypes.StatusInProgress},
		func(j *datatypes.AnalysisJob) error {
			j.Status = datatypes.StatusFailed
			j.Error = cause.Error()
			j.FailedAt = &now
			return nil
		})
	if err != nil {
		logger.Error("Failed to persist FAILED state", "error", err)
		return &datatypes.AnalysisJob{ID: jobID, Status: datatypes.StatusFailed, Error: cause.Error()}
	}
	return failed
}

func (o *Orchestrator) publish(ctx context.Context, job *datatypes.AnalysisJob, cause error) {
	event := events.JobEvent{
		JobID:         job.ID,
		ProjectID:     job.ProjectID,
		Status:        job.Status,
		TriggeredBy:   job.TriggeredBy,
		SecurityScore: job.SecurityScore,
		ThreatLevel:   job.ThreatLevel,
		Timestamp:     time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if err := o.publisher.PublishJobEvent(ctx, event); err != nil {
		slog.Warn("Job event publish failed", "job_id", job.ID, "error", err)
	}
}
