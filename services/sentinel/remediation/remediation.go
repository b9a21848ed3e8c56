// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remediation turns a job's vulnerabilities into proposed fixes,
// routes them through a single human decision, and executes approved
// fixes against the source repository.
//
// The automated-write path is gated: nothing touches the repository
// until a HumanApproval decision names the action ids to apply.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/engine"
	"github.com/AleutianAI/sentinel/services/sentinel/repo"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/taskpool"
)

// Sentinel errors for the remediation workflow.
var (
	// ErrDecisionAlreadyMade indicates the job's approval already left
	// PENDING. The original decision is preserved.
	ErrDecisionAlreadyMade = errors.New("approval decision already made")

	// ErrNoApprovalPending indicates the job has no pending approval to
	// decide on.
	ErrNoApprovalPending = errors.New("no approval pending for job")

	// ErrInvalidDecision indicates an unknown decision value.
	ErrInvalidDecision = errors.New("invalid approval decision")

	// ErrUnknownActionID indicates a PARTIAL decision named an action id
	// the job does not have.
	ErrUnknownActionID = errors.New("unknown proposed action id")
)

// Decision is the human decision over a job's proposed actions.
type Decision string

const (
	DecisionApproveAll Decision = "APPROVE_ALL"
	DecisionRejectAll  Decision = "REJECT_ALL"
	DecisionPartial    Decision = "PARTIAL"
)

// ApprovalPredicate decides whether a set of proposed actions needs
// human approval before the job can complete on its own.
//
// Pluggable so severity/risk/confidence cutoffs can vary per deployment
// without touching the orchestrator.
type ApprovalPredicate func(actions []datatypes.ProposedRemediationAction) bool

// Config tunes the workflow thresholds. Zero values take the defaults
// noted on each field.
type Config struct {
	// AutomationConfidence is the confidence above which a fix is
	// marked automated. Default: 80.
	AutomationConfidence float64

	// HighRiskConfidence is the confidence below which a fix is
	// estimated HIGH risk. Default: 60.
	HighRiskConfidence float64

	// ApprovalConfidence is the confidence below which any action forces
	// human approval. Default: 70.
	ApprovalConfidence float64

	// ProposeConcurrency bounds concurrent ProposeFix calls. Default: 2.
	ProposeConcurrency int

	// BranchPrefix prefixes remediation branch names.
	// Default: "sentinel/fix".
	BranchPrefix string
}

func (c Config) withDefaults() Config {
	if c.AutomationConfidence == 0 {
		c.AutomationConfidence = 80
	}
	if c.HighRiskConfidence == 0 {
		c.HighRiskConfidence = 60
	}
	if c.ApprovalConfidence == 0 {
		c.ApprovalConfidence = 70
	}
	if c.ProposeConcurrency <= 0 {
		c.ProposeConcurrency = 2
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "sentinel/fix"
	}
	return c
}

// Workflow implements the remediation pipeline for one deployment.
type Workflow struct {
	jobs   store.JobStore
	repos  repo.Client
	engine engine.Engine
	cfg    Config
}

// NewWorkflow creates a workflow with injected collaborators.
func NewWorkflow(jobs store.JobStore, repos repo.Client, eng engine.Engine, cfg Config) *Workflow {
	return &Workflow{
		jobs:   jobs,
		repos:  repos,
		engine: eng,
		cfg:    cfg.withDefaults(),
	}
}

// NeedsApproval returns the workflow's approval predicate.
//
// An action set needs approval when it is non-empty and any action has
// CRITICAL/HIGH severity, HIGH estimated risk, or confidence below the
// approval cutoff.
func (w *Workflow) NeedsApproval() ApprovalPredicate {
	cutoff := w.cfg.ApprovalConfidence
	return func(actions []datatypes.ProposedRemediationAction) bool {
		if len(actions) == 0 {
			return false
		}
		for _, a := range actions {
			if a.Severity == datatypes.SeverityCritical || a.Severity == datatypes.SeverityHigh {
				return true
			}
			if a.EstimatedRisk == datatypes.RiskHigh {
				return true
			}
			if a.Confidence < cutoff {
				return true
			}
		}
		return false
	}
}

// ProposeActions requests a fix for every vulnerability.
//
// files maps path → content for the files the orchestrator already
// fetched; the vulnerable snippet is cut from there. A per-vulnerability
// engine failure is logged and skipped, never fatal: the job still
// completes with the fixes that did come back.
func (w *Workflow) ProposeActions(ctx context.Context, vulns []datatypes.Vulnerability, files map[string]string) []datatypes.ProposedRemediationAction {
	results := taskpool.Map(ctx, w.cfg.ProposeConcurrency, vulns,
		func(ctx context.Context, v datatypes.Vulnerability) (*datatypes.ProposedRemediationAction, error) {
			return w.proposeOne(ctx, v, files[v.File])
		})

	var actions []datatypes.ProposedRemediationAction
	for i, r := range results {
		if r.Err != nil {
			slog.Warn("Fix proposal failed, skipping vulnerability",
				"vulnerability_id", vulns[i].ID,
				"file", vulns[i].File,
				"error", r.Err)
			continue
		}
		actions = append(actions, *r.Value)
	}
	return actions
}

func (w *Workflow) proposeOne(ctx context.Context, v datatypes.Vulnerability, content string) (*datatypes.ProposedRemediationAction, error) {
	original := snippetAt(content, v.Line)
	if original == "" {
		original = content
	}

	fix, err := w.engine.ProposeFix(ctx, v.File, original, v.Type, v.Severity)
	if err != nil {
		return nil, fmt.Errorf("propose fix for %s:%d: %w", v.File, v.Line, err)
	}

	return &datatypes.ProposedRemediationAction{
		ID:              uuid.NewString(),
		VulnerabilityID: v.ID,
		File:            v.File,
		Line:            v.Line,
		Severity:        v.Severity,
		OriginalCode:    original,
		ProposedCode:    fix.FixedCode,
		Description:     fix.Description,
		Confidence:      fix.Confidence,
		Automated:       fix.Confidence > w.cfg.AutomationConfidence,
		EstimatedRisk:   w.estimateRisk(v.Severity, fix.Confidence),
	}, nil
}

func (w *Workflow) estimateRisk(sev datatypes.Severity, confidence float64) datatypes.RiskLevel {
	switch {
	case confidence < w.cfg.HighRiskConfidence:
		return datatypes.RiskHigh
	case sev == datatypes.SeverityCritical || sev == datatypes.SeverityHigh:
		return datatypes.RiskMedium
	default:
		return datatypes.RiskLow
	}
}

// Decide writes the job's HumanApproval exactly once.
//
// The write is conditioned on the current approval status still being
// PENDING inside the store transaction, so a second concurrent decision
// is rejected with ErrDecisionAlreadyMade rather than silently
// overwriting the first. Deciding also moves the job
// AWAITING_APPROVAL → COMPLETED, the only legal backward-free exit from
// the approval gate.
func (w *Workflow) Decide(ctx context.Context, jobID string, decision Decision, selectedActionIDs []string, actor, comments string) (*datatypes.AnalysisJob, error) {
	now := time.Now().UTC()

	return w.jobs.UpdateJob(ctx, jobID,
		[]datatypes.JobStatus{datatypes.StatusAwaitingApproval},
		func(job *datatypes.AnalysisJob) error {
			if job.HumanApproval == nil {
				return fmt.Errorf("job %s: %w", jobID, ErrNoApprovalPending)
			}
			if job.HumanApproval.Status != datatypes.ApprovalPending {
				return fmt.Errorf("job %s approval is %s: %w", jobID, job.HumanApproval.Status, ErrDecisionAlreadyMade)
			}

			approved, rejected, status, err := partitionActions(job.ProposedRemediations, decision, selectedActionIDs)
			if err != nil {
				return err
			}

			job.HumanApproval.Status = status
			job.HumanApproval.ApprovedActions = approved
			job.HumanApproval.RejectedActions = rejected
			job.HumanApproval.Actor = actor
			job.HumanApproval.Comments = comments
			job.HumanApproval.DecidedAt = &now

			job.Status = datatypes.StatusCompleted
			job.CompletedAt = &now
			return nil
		})
}

// partitionActions splits the proposed action ids into approved and
// rejected sets for the given decision.
func partitionActions(actions []datatypes.ProposedRemediationAction, decision Decision, selected []string) (approved, rejected []string, status datatypes.ApprovalStatus, err error) {
	known := make(map[string]bool, len(actions))
	for _, a := range actions {
		known[a.ID] = true
	}

	switch decision {
	case DecisionApproveAll:
		for _, a := range actions {
			approved = append(approved, a.ID)
		}
		return approved, nil, datatypes.ApprovalApproved, nil

	case DecisionRejectAll:
		for _, a := range actions {
			rejected = append(rejected, a.ID)
		}
		return nil, rejected, datatypes.ApprovalRejected, nil

	case DecisionPartial:
		sel := make(map[string]bool, len(selected))
		for _, id := range selected {
			if !known[id] {
				return nil, nil, "", fmt.Errorf("action %s: %w", id, ErrUnknownActionID)
			}
			sel[id] = true
		}
		for _, a := range actions {
			if sel[a.ID] {
				approved = append(approved, a.ID)
			} else {
				rejected = append(rejected, a.ID)
			}
		}
		return approved, rejected, datatypes.ApprovalPartial, nil

	default:
		return nil, nil, "", fmt.Errorf("decision %q: %w", decision, ErrInvalidDecision)
	}
}

// Execute applies approved actions against the repository.
//
// Approved actions are grouped by file. Within a file, edits apply from
// the highest line number down so earlier edits never shift later line
// numbers; actions without a line number fall back to plain text
// replacement and go last. Each file batch gets its own branch, commit,
// and merge request; a failure in one batch fails only that batch's
// actions.
func (w *Workflow) Execute(ctx context.Context, jobID string, approvedActionIDs []string, targetBranch string) ([]datatypes.RemediationResult, error) {
	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if targetBranch == "" {
		targetBranch = "main"
	}

	byID := make(map[string]datatypes.ProposedRemediationAction, len(job.ProposedRemediations))
	for _, a := range job.ProposedRemediations {
		byID[a.ID] = a
	}

	batches := make(map[string][]datatypes.ProposedRemediationAction)
	var results []datatypes.RemediationResult
	for _, id := range approvedActionIDs {
		action, ok := byID[id]
		if !ok {
			results = append(results, datatypes.RemediationResult{
				ActionID: id,
				Error:    ErrUnknownActionID.Error(),
			})
			continue
		}
		batches[action.File] = append(batches[action.File], action)
	}

	// Deterministic batch order keeps branch naming and logs stable.
	files := make([]string, 0, len(batches))
	for f := range batches {
		files = append(files, f)
	}
	sort.Strings(files)

	logger := slog.With("job_id", jobID)
	for _, file := range files {
		results = append(results, w.executeBatch(ctx, logger, job, file, targetBranch, batches[file])...)
	}

	// Persist results on the job for audit; best effort, execution
	// already happened.
	if _, err := w.jobs.UpdateJob(ctx, jobID, nil, func(j *datatypes.AnalysisJob) error {
		j.RemediationResults = append(j.RemediationResults, results...)
		return nil
	}); err != nil {
		logger.Error("Failed to persist remediation results", "error", err)
	}

	return results, nil
}

// executeBatch applies one file's approved actions and opens the merge
// request for them.
func (w *Workflow) executeBatch(ctx context.Context, logger *slog.Logger, job *datatypes.AnalysisJob, file, targetBranch string, actions []datatypes.ProposedRemediationAction) []datatypes.RemediationResult {
	failBatch := func(err error) []datatypes.RemediationResult {
		logger.Error("Remediation batch failed", "file", file, "error", err)
		out := make([]datatypes.RemediationResult, 0, len(actions))
		for _, a := range actions {
			out = append(out, datatypes.RemediationResult{ActionID: a.ID, Error: err.Error()})
		}
		return out
	}

	content, err := w.repos.GetFileContent(ctx, file, job.CommitRef)
	if err != nil {
		return failBatch(fmt.Errorf("fetch %s at %s: %w", file, job.CommitRef, err))
	}

	edited, applied, skipped := applyEdits(content, actions)
	if len(applied) == 0 {
		return skipped
	}

	branch := fmt.Sprintf("%s-%s-%s", w.cfg.BranchPrefix, shortID(job.ID), branchSlug(file))
	if err := w.repos.CreateBranch(ctx, branch, job.CommitRef); err != nil {
		return failBatch(fmt.Errorf("create branch %s: %w", branch, err))
	}

	commitRef, err := w.repos.CommitFile(ctx, file, edited, commitMessage(file, applied), branch)
	if err != nil {
		return failBatch(fmt.Errorf("commit %s to %s: %w", file, branch, err))
	}

	mrRef, err := w.repos.OpenMergeRequest(ctx, branch, targetBranch,
		fmt.Sprintf("Security fixes for %s", file),
		mergeRequestDescription(applied))
	if err != nil {
		return failBatch(fmt.Errorf("open merge request for %s: %w", branch, err))
	}

	logger.Info("Remediation batch applied",
		"file", file,
		"actions", len(applied),
		"branch", branch,
		"merge_request", mrRef)

	out := make([]datatypes.RemediationResult, 0, len(actions))
	for _, a := range applied {
		out = append(out, datatypes.RemediationResult{
			ActionID:        a.ID,
			Success:         true,
			CommitRef:       commitRef,
			MergeRequestRef: mrRef,
		})
	}
	return append(out, skipped...)
}

// applyEdits applies actions to content, highest line first so edits
// never shift the line numbers of edits still pending. Actions without
// a line number use plain text replacement and run after the line-based
// edits.
func applyEdits(content string, actions []datatypes.ProposedRemediationAction) (string, []datatypes.ProposedRemediationAction, []datatypes.RemediationResult) {
	ordered := make([]datatypes.ProposedRemediationAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Line > ordered[j].Line
	})

	var applied []datatypes.ProposedRemediationAction
	var skipped []datatypes.RemediationResult

	lines := strings.Split(content, "\n")
	for _, a := range ordered {
		switch {
		case a.Line >= 1 && a.Line <= len(lines):
			lines[a.Line-1] = a.ProposedCode
			applied = append(applied, a)

		case a.OriginalCode != "" && strings.Contains(strings.Join(lines, "\n"), a.OriginalCode):
			joined := strings.Replace(strings.Join(lines, "\n"), a.OriginalCode, a.ProposedCode, 1)
			lines = strings.Split(joined, "\n")
			applied = append(applied, a)

		default:
			skipped = append(skipped, datatypes.RemediationResult{
				ActionID: a.ID,
				Error:    "no applicable edit location",
			})
		}
	}
	return strings.Join(lines, "\n"), applied, skipped
}

func commitMessage(file string, applied []datatypes.ProposedRemediationAction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fix(security): apply %d automated fix(es) to %s\n\n", len(applied), file)
	for _, a := range applied {
		fmt.Fprintf(&b, "- %s at line %d (%s)\n", a.Description, a.Line, a.Severity)
	}
	return b.String()
}

func mergeRequestDescription(applied []datatypes.ProposedRemediationAction) string {
	var b strings.Builder
	b.WriteString("Automated security remediation, applied after human approval.\n\n")
	for _, a := range applied {
		fmt.Fprintf(&b, "- **%s** (%s severity, confidence %.0f): %s:%d: %s\n",
			a.VulnerabilityID, a.Severity, a.Confidence, a.File, a.Line, a.Description)
	}
	return b.String()
}

// snippetAt returns the 1-indexed line of content, or "" when out of
// range.
func snippetAt(content string, line int) string {
	if content == "" || line < 1 {
		return ""
	}
	lines := strings.Split(content, "\n")
	if line > len(lines) {
		return ""
	}
	return lines[line-1]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// branchSlug turns a file path into a branch-safe fragment.
func branchSlug(file string) string {
	s := strings.ToLower(file)
	s = strings.NewReplacer("/", "-", ".", "-", "_", "-", " ", "-").Replace(s)
	return strings.Trim(s, "-")
}
