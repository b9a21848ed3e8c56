// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the Sentinel
// security-analysis pipeline: jobs, vulnerabilities, remediation actions,
// approvals, and scan configuration.
//
// All types here are plain serializable records. Behavior lives in the
// orchestrator, remediation, and scheduler packages; this package only
// carries the derivations that must stay consistent everywhere they are
// read (stage progress, threat-level reduction, fingerprints).
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an AnalysisJob.
//
// Transitions are one-directional:
//
//	PENDING → IN_PROGRESS → {COMPLETED, AWAITING_APPROVAL, FAILED}
//	AWAITING_APPROVAL → COMPLETED
//
// No other transition is legal.
type JobStatus string

const (
	StatusPending          JobStatus = "PENDING"
	StatusInProgress       JobStatus = "IN_PROGRESS"
	StatusAwaitingApproval JobStatus = "AWAITING_APPROVAL"
	StatusCompleted        JobStatus = "COMPLETED"
	StatusFailed           JobStatus = "FAILED"
)

// Terminal reports whether no further stage work happens in this status.
// AWAITING_APPROVAL is terminal for the analysis run but may still move
// to COMPLETED via an approval decision.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAwaitingApproval, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the five defined statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAwaitingApproval, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stage is a named phase within IN_PROGRESS.
//
// Stage is the source of truth for progress: callers never set progress
// directly, they set the stage and read Progress() back. This prevents
// the two signals from drifting apart.
type Stage string

const (
	StageFetchingCode   Stage = "FETCHING_CODE"
	StageStaticAnalysis Stage = "STATIC_ANALYSIS"
	StageAIAnalysis     Stage = "AI_ANALYSIS"
	StageThreatModeling Stage = "THREAT_MODELING"
)

// Progress returns the canonical progress percentage for a stage.
func (s Stage) Progress() int {
	switch s {
	case StageFetchingCode:
		return 10
	case StageStaticAnalysis:
		return 30
	case StageAIAnalysis:
		return 60
	case StageThreatModeling:
		return 80
	}
	return 0
}

// TriggerSource identifies what caused a job to be created.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerWebhook   TriggerSource = "webhook"
	TriggerScheduled TriggerSource = "scheduled"
)

// Cadence is how often a project is scanned absent an explicit trigger.
type Cadence string

const (
	CadenceOnEvent Cadence = "ON_EVENT"
	CadenceDaily   Cadence = "DAILY"
	CadenceWeekly  Cadence = "WEEKLY"
)

// Severity classifies how serious a vulnerability is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank returns an ordinal for severity comparison.
// CRITICAL > HIGH > MEDIUM > LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// MaxSeverity reduces a vulnerability set to its highest severity.
//
// This is a max reduction, not an average: one CRITICAL finding among
// a hundred LOW findings makes the job CRITICAL. An empty set is LOW.
func MaxSeverity(vulns []Vulnerability) Severity {
	max := SeverityLow
	for _, v := range vulns {
		if v.Severity.Rank() > max.Rank() {
			max = v.Severity
		}
	}
	return max
}

// RiskLevel estimates the blast radius of applying an automated fix.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Vulnerability is a single finding produced during analysis.
// Created by the owning run; immutable thereafter.
type Vulnerability struct {
	// ID is a per-run unique identifier.
	ID string `json:"id"`

	// Fingerprint is a content-derived identity stable across runs.
	// Cross-run deltas key on this, never on ID. See Fingerprint().
	Fingerprint string `json:"fingerprint"`

	File     string   `json:"file"`
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`

	// Type is the vulnerability class, e.g. "sql_injection".
	Type string `json:"type"`

	// Confidence, Exploitability, and Impact are engine scores in [0,1].
	Confidence     float64 `json:"confidence"`
	Exploitability float64 `json:"exploitability"`
	Impact         float64 `json:"impact"`

	Description string `json:"description,omitempty"`
}

// fingerprintLineBucket groups nearby lines so a finding that shifts a
// few lines between runs keeps its identity.
const fingerprintLineBucket = 5

// Fingerprint computes a stable cross-run identity for a finding.
//
// Freshly generated per-run IDs would degenerate the new/resolved delta
// into "everything is new, everything prior is resolved". Keying on
// (file, line bucket, type) keeps identity stable across runs while a
// finding stays in roughly the same place.
func Fingerprint(file string, line int, vulnType string) string {
	bucket := line / fingerprintLineBucket
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", file, bucket, vulnType))
	return hex.EncodeToString(h[:16])
}

// ProposedRemediationAction is a candidate automated code fix for one
// vulnerability, pending human approval. Immutable once the approval
// decision begins.
type ProposedRemediationAction struct {
	ID              string `json:"id"`
	VulnerabilityID string `json:"vulnerability_id"`

	File     string   `json:"file"`
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`

	OriginalCode string `json:"original_code"`
	ProposedCode string `json:"proposed_code"`
	Description  string `json:"description,omitempty"`

	// Confidence is the engine's confidence in the fix, in [0,100].
	Confidence float64 `json:"confidence"`

	// Automated marks fixes safe enough for machine application
	// (confidence above the automation threshold).
	Automated bool `json:"automated"`

	EstimatedRisk RiskLevel `json:"estimated_risk"`
}

// ApprovalStatus is the state of a HumanApproval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalPartial  ApprovalStatus = "PARTIAL"
)

// HumanApproval records the single human decision for a job's proposed
// remediations. Exactly one exists per job and it is terminal once the
// status leaves PENDING.
type HumanApproval struct {
	Status ApprovalStatus `json:"status"`

	// ApprovedActions and RejectedActions partition the proposed action
	// IDs once a decision is made.
	ApprovedActions []string `json:"approved_actions,omitempty"`
	RejectedActions []string `json:"rejected_actions,omitempty"`

	Actor     string     `json:"actor,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comments  string     `json:"comments,omitempty"`
}

// ThreatModel is the engine's whole-repository threat assessment.
type ThreatModel struct {
	Nodes         []ThreatNode `json:"nodes"`
	Edges         []ThreatEdge `json:"edges"`
	AttackVectors []string     `json:"attack_vectors"`
	AttackSurface string       `json:"attack_surface"`
}

// ThreatNode is one asset or component in the threat model graph.
type ThreatNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind,omitempty"`
}

// ThreatEdge is a trust or data-flow relationship between two nodes.
type ThreatEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// HistoryEntry is an immutable snapshot appended when a job reaches a
// non-failed terminal state. Used for trend reporting.
type HistoryEntry struct {
	JobID         string        `json:"job_id"`
	ProjectID     string        `json:"project_id"`
	Timestamp     time.Time     `json:"timestamp"`
	SecurityScore int           `json:"security_score"`
	ThreatLevel   Severity      `json:"threat_level"`
	NewVulns      int           `json:"new_vulnerabilities"`
	ResolvedVulns int           `json:"resolved_vulnerabilities"`
	TriggeredBy   TriggerSource `json:"triggered_by"`
}

// RemediationResult is the per-action outcome of executing approved fixes.
type RemediationResult struct {
	ActionID        string `json:"action_id"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	CommitRef       string `json:"commit_ref,omitempty"`
	MergeRequestRef string `json:"merge_request_ref,omitempty"`
}

// AnalysisJob is one run of the pipeline against a project at a ref.
type AnalysisJob struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id,omitempty"`

	// CommitRef is the repository reference analyzed. "latest" means the
	// tip of the tracked branch at the time the job ran.
	CommitRef string `json:"commit_ref"`

	Status JobStatus `json:"status"`

	// Stage is nil outside IN_PROGRESS (and after a failure, where it
	// records the stage that failed).
	Stage *Stage `json:"stage,omitempty"`

	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`

	// SecurityScore is the rounded mean of per-file engine scores, 0-100.
	SecurityScore int `json:"security_score"`

	ThreatLevel Severity     `json:"threat_level,omitempty"`
	ThreatModel *ThreatModel `json:"threat_model,omitempty"`

	ProposedRemediations []ProposedRemediationAction `json:"proposed_remediations,omitempty"`
	HumanApproval        *HumanApproval              `json:"human_approval,omitempty"`
	RemediationResults   []RemediationResult         `json:"remediation_results,omitempty"`

	// AnalysisErrors counts per-file analysis failures that were skipped
	// without failing the job.
	AnalysisErrors int `json:"analysis_errors,omitempty"`

	// PreviousJobID links to the prior COMPLETED job used for the
	// new/resolved delta.
	PreviousJobID string `json:"previous_job_id,omitempty"`

	TriggeredBy TriggerSource `json:"triggered_by"`

	// ChangedFiles carries the push-event file list for webhook jobs.
	ChangedFiles []string `json:"changed_files,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Progress derives the job's progress percentage from status and stage.
//
// Progress is never stored: deriving it here keeps it monotonic by
// construction while the stage advances, and pins terminal states.
func (j *AnalysisJob) Progress() int {
	switch j.Status {
	case StatusPending:
		return 0
	case StatusCompleted, StatusAwaitingApproval:
		return 100
	case StatusFailed:
		if j.Stage != nil {
			return j.Stage.Progress()
		}
		return 0
	}
	if j.Stage != nil {
		return j.Stage.Progress()
	}
	return 0
}

// ProjectScanConfig is the per-project scan policy read by the scheduler
// and the webhook ingestor.
type ProjectScanConfig struct {
	ProjectID string `json:"project_id" yaml:"project_id" validate:"required"`

	// Branch is the tracked branch for webhook-triggered scans.
	Branch string `json:"branch" yaml:"branch" validate:"required"`

	Cadence Cadence `json:"cadence" yaml:"cadence" validate:"required,oneof=ON_EVENT DAILY WEEKLY"`

	LastScanAt *time.Time `json:"last_scan_at,omitempty" yaml:"last_scan_at,omitempty"`

	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
}
