// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/engine"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/remediation"
	"github.com/AleutianAI/sentinel/services/sentinel/repo"
	"github.com/AleutianAI/sentinel/services/sentinel/store/badgerstore"
)

// fakeRepo serves an in-memory file set, optionally failing specific
// fetches.
type fakeRepo struct {
	files     []repo.FileInfo
	contents  map[string]string
	failFetch map[string]bool
	listErr   error
}

func (r *fakeRepo) ListFiles(context.Context, string) ([]repo.FileInfo, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.files, nil
}

func (r *fakeRepo) GetFileContent(_ context.Context, path, _ string) (string, error) {
	if r.failFetch[path] {
		return "", errors.New("fetch refused")
	}
	content, ok := r.contents[path]
	if !ok {
		return "", repo.ErrFileNotFound
	}
	return content, nil
}

func (r *fakeRepo) ListChangedFiles(context.Context, string) ([]string, error) { return nil, nil }
func (r *fakeRepo) CreateBranch(context.Context, string, string) error        { return nil }
func (r *fakeRepo) CommitFile(context.Context, string, string, string, string) (string, error) {
	return "commit", nil
}
func (r *fakeRepo) OpenMergeRequest(context.Context, string, string, string, string) (string, error) {
	return "mr", nil
}

// fakeEngine returns canned per-file verdicts.
type fakeEngine struct {
	scores      map[string]int
	vulns       map[string][]datatypes.Vulnerability
	failAnalyze map[string]bool

	fixConfidence float64
	threatErr     error
}

func (e *fakeEngine) AnalyzeFile(_ context.Context, _, path string) (*engine.FileAnalysis, error) {
	if e.failAnalyze[path] {
		return nil, errors.New("analysis refused")
	}
	return &engine.FileAnalysis{
		Vulnerabilities: e.vulns[path],
		SecurityScore:   e.scores[path],
	}, nil
}

func (e *fakeEngine) ProposeFix(context.Context, string, string, string, datatypes.Severity) (*engine.FixProposal, error) {
	confidence := e.fixConfidence
	if confidence == 0 {
		confidence = 95
	}
	return &engine.FixProposal{FixedCode: "fixed", Confidence: confidence, Description: "fix"}, nil
}

func (e *fakeEngine) BuildThreatModel(context.Context, []string) (*datatypes.ThreatModel, error) {
	if e.threatErr != nil {
		return nil, e.threatErr
	}
	return &datatypes.ThreatModel{AttackSurface: "small"}, nil
}

type fixture struct {
	jobs *badgerstore.Store
	orch *Orchestrator
}

func newFixture(t *testing.T, repos *fakeRepo, eng *fakeEngine) *fixture {
	t.Helper()
	jobs, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	source := &projects.StaticSource{
		Configs: map[string]datatypes.ProjectScanConfig{
			"proj-a": {ProjectID: "proj-a", Branch: "main", Cadence: datatypes.CadenceDaily},
		},
	}
	workflow := remediation.NewWorkflow(jobs, repos, eng, remediation.Config{})
	orch := New(jobs, repos, eng, workflow, source, nil, nil, Config{})
	return &fixture{jobs: jobs, orch: orch}
}

func runOneJob(t *testing.T, f *fixture) *datatypes.AnalysisJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, "proj-a", "tester", "", datatypes.TriggerManual, nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.RunJob(ctx, job.ID))

	final, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return final
}

// TestCreateJobDefaults verifies the PENDING record and the "latest"
// default ref.
func TestCreateJobDefaults(t *testing.T) {
	f := newFixture(t, &fakeRepo{}, &fakeEngine{})

	job, err := f.orch.CreateJob(context.Background(), "proj-a", "tester", "",
		datatypes.TriggerManual, nil)
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusPending, job.Status)
	assert.Equal(t, "latest", job.CommitRef)
	assert.Equal(t, 0, job.Progress())
	assert.NotEmpty(t, job.ID)
}

// TestCreateJobRequiresProject verifies the empty-project rejection.
func TestCreateJobRequiresProject(t *testing.T) {
	f := newFixture(t, &fakeRepo{}, &fakeEngine{})

	_, err := f.orch.CreateJob(context.Background(), "", "tester", "",
		datatypes.TriggerManual, nil)
	assert.ErrorIs(t, err, ErrProjectRequired)
}

// TestRunJobDuplicateInvocationIsNoOp verifies the losing side of the
// PENDING claim aborts silently.
func TestRunJobDuplicateInvocationIsNoOp(t *testing.T) {
	f := newFixture(t, &fakeRepo{}, &fakeEngine{})
	ctx := context.Background()

	job, err := f.orch.CreateJob(ctx, "proj-a", "tester", "", datatypes.TriggerManual, nil)
	require.NoError(t, err)

	// Simulate another invocation having claimed the job.
	_, err = f.jobs.UpdateJob(ctx, job.ID, nil, func(j *datatypes.AnalysisJob) error {
		j.Status = datatypes.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.RunJob(ctx, job.ID))

	got, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusInProgress, got.Status)
}

// TestRunJobScoreIsMeanOfFileScores verifies [80,60,40] → 60.
func TestRunJobScoreIsMeanOfFileScores(t *testing.T) {
	repos := &fakeRepo{
		files: []repo.FileInfo{{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"}},
		contents: map[string]string{
			"a.go": "a", "b.go": "b", "c.go": "c",
		},
	}
	eng := &fakeEngine{scores: map[string]int{"a.go": 80, "b.go": 60, "c.go": 40}}
	f := newFixture(t, repos, eng)

	final := runOneJob(t, f)

	assert.Equal(t, datatypes.StatusCompleted, final.Status)
	assert.Equal(t, 60, final.SecurityScore)
	assert.Equal(t, 100, final.Progress())
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, "main", final.CommitRef) // "latest" pinned to branch
}

// TestRunJobNoFilesDefaultsScore verifies an empty repository completes
// with the default score.
func TestRunJobNoFilesDefaultsScore(t *testing.T) {
	f := newFixture(t, &fakeRepo{}, &fakeEngine{})

	final := runOneJob(t, f)

	assert.Equal(t, datatypes.StatusCompleted, final.Status)
	assert.Equal(t, 50, final.SecurityScore)
	assert.Equal(t, datatypes.SeverityLow, final.ThreatLevel)
}

// TestRunJobPerFileFailuresAreCountedNotFatal verifies failed fetches
// and analyses drop out of scoring but never fail the job.
func TestRunJobPerFileFailuresAreCountedNotFatal(t *testing.T) {
	repos := &fakeRepo{
		files: []repo.FileInfo{{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"}, {Path: "d.go"}},
		contents: map[string]string{
			"a.go": "a", "b.go": "b", "c.go": "c", "d.go": "d",
		},
		failFetch: map[string]bool{"b.go": true},
	}
	eng := &fakeEngine{
		scores:      map[string]int{"a.go": 90, "c.go": 70, "d.go": 70},
		failAnalyze: map[string]bool{"d.go": true},
	}
	f := newFixture(t, repos, eng)

	final := runOneJob(t, f)

	assert.Equal(t, datatypes.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.AnalysisErrors)
	// Mean over the two files that made it: (90+70)/2.
	assert.Equal(t, 80, final.SecurityScore)
}

// TestRunJobListFailureFailsJob verifies the single-shot listing step
// fails the whole job with the cause captured.
func TestRunJobListFailureFailsJob(t *testing.T) {
	repos := &fakeRepo{listErr: errors.New("provider down")}
	f := newFixture(t, repos, &fakeEngine{})
	ctx := context.Background()

	job, err := f.orch.CreateJob(ctx, "proj-a", "tester", "", datatypes.TriggerManual, nil)
	require.NoError(t, err)
	require.Error(t, f.orch.RunJob(ctx, job.ID))

	final, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "provider down")
	require.NotNil(t, final.FailedAt)
}

// TestRunJobThreatModelFailureFailsJob verifies the threat-modeling
// step is single-shot and preserves the failing stage.
func TestRunJobThreatModelFailureFailsJob(t *testing.T) {
	repos := &fakeRepo{
		files:    []repo.FileInfo{{Path: "a.go"}},
		contents: map[string]string{"a.go": "a"},
	}
	eng := &fakeEngine{scores: map[string]int{"a.go": 80}, threatErr: errors.New("model refused")}
	f := newFixture(t, repos, eng)
	ctx := context.Background()

	job, err := f.orch.CreateJob(ctx, "proj-a", "tester", "", datatypes.TriggerManual, nil)
	require.NoError(t, err)
	require.Error(t, f.orch.RunJob(ctx, job.ID))

	final, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, final.Status)
	require.NotNil(t, final.Stage)
	assert.Equal(t, datatypes.StageThreatModeling, *final.Stage)
	assert.Equal(t, 80, final.Progress())
}

// TestRunJobHighSeverityGatesOnApproval verifies a HIGH finding parks
// the job in AWAITING_APPROVAL with a pending approval attached.
func TestRunJobHighSeverityGatesOnApproval(t *testing.T) {
	repos := &fakeRepo{
		files:    []repo.FileInfo{{Path: "a.go"}},
		contents: map[string]string{"a.go": "l1\nl2"},
	}
	eng := &fakeEngine{
		scores: map[string]int{"a.go": 30},
		vulns: map[string][]datatypes.Vulnerability{
			"a.go": {{Line: 1, Severity: datatypes.SeverityHigh, Type: "SQL_INJECTION"}},
		},
	}
	f := newFixture(t, repos, eng)

	final := runOneJob(t, f)

	assert.Equal(t, datatypes.StatusAwaitingApproval, final.Status)
	require.NotNil(t, final.HumanApproval)
	assert.Equal(t, datatypes.ApprovalPending, final.HumanApproval.Status)
	assert.Nil(t, final.CompletedAt)
	assert.Equal(t, datatypes.SeverityHigh, final.ThreatLevel)
	require.Len(t, final.ProposedRemediations, 1)

	// Orchestrator owns ids and fingerprints.
	require.Len(t, final.Vulnerabilities, 1)
	assert.NotEmpty(t, final.Vulnerabilities[0].ID)
	assert.Equal(t, datatypes.Fingerprint("a.go", 1, "SQL_INJECTION"),
		final.Vulnerabilities[0].Fingerprint)
}

// TestRunJobLowSeverityCompletes verifies confident low-severity fixes
// skip the approval gate.
func TestRunJobLowSeverityCompletes(t *testing.T) {
	repos := &fakeRepo{
		files:    []repo.FileInfo{{Path: "a.go"}},
		contents: map[string]string{"a.go": "l1"},
	}
	eng := &fakeEngine{
		scores: map[string]int{"a.go": 85},
		vulns: map[string][]datatypes.Vulnerability{
			"a.go": {{Line: 1, Severity: datatypes.SeverityLow, Type: "STYLE"}},
		},
		fixConfidence: 95,
	}
	f := newFixture(t, repos, eng)

	final := runOneJob(t, f)

	assert.Equal(t, datatypes.StatusCompleted, final.Status)
	assert.Nil(t, final.HumanApproval)
}

// TestRunJobChangedFilesOverrideListing verifies webhook jobs analyze
// only the pushed set.
func TestRunJobChangedFilesOverrideListing(t *testing.T) {
	repos := &fakeRepo{
		files:    []repo.FileInfo{{Path: "a.go"}, {Path: "b.go"}},
		contents: map[string]string{"a.go": "a", "b.go": "b"},
	}
	eng := &fakeEngine{scores: map[string]int{"b.go": 40}}
	f := newFixture(t, repos, eng)
	ctx := context.Background()

	job, err := f.orch.CreateJob(ctx, "proj-a", "tester", "abc123",
		datatypes.TriggerWebhook, []string{"b.go"})
	require.NoError(t, err)
	require.NoError(t, f.orch.RunJob(ctx, job.ID))

	final, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, final.SecurityScore)
	assert.Equal(t, "abc123", final.CommitRef)
}

// TestRunJobDeltaAgainstPriorRun verifies fingerprint-based new and
// resolved counts in the history entry.
func TestRunJobDeltaAgainstPriorRun(t *testing.T) {
	repos := &fakeRepo{
		files:    []repo.FileInfo{{Path: "a.go"}},
		contents: map[string]string{"a.go": "l1\nl2\nl3"},
	}
	eng := &fakeEngine{
		scores: map[string]int{"a.go": 85},
		vulns: map[string][]datatypes.Vulnerability{
			"a.go": {{Line: 1, Severity: datatypes.SeverityLow, Type: "XSS"}},
		},
		fixConfidence: 95,
	}
	f := newFixture(t, repos, eng)
	ctx := context.Background()

	// First run: one finding, all new.
	first := runOneJob(t, f)
	require.Equal(t, datatypes.StatusCompleted, first.Status)

	// Second run: the XSS is gone, a new finding far away appears.
	eng.vulns["a.go"] = []datatypes.Vulnerability{
		{Line: 100, Severity: datatypes.SeverityLow, Type: "HARDCODED_SECRET"},
	}
	second := runOneJob(t, f)
	assert.Equal(t, first.ID, second.PreviousJobID)

	history, err := f.jobs.ListHistory(ctx, "proj-a", nil, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, 1, history[0].NewVulns)
	assert.Equal(t, 0, history[0].ResolvedVulns)
	assert.Equal(t, 1, history[1].NewVulns)
	assert.Equal(t, 1, history[1].ResolvedVulns)
}

// TestRunJobCapsFileSet verifies MaxFilesPerJob truncates in listing
// order.
func TestRunJobCapsFileSet(t *testing.T) {
	repos := &fakeRepo{
		files: []repo.FileInfo{{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"}},
		contents: map[string]string{
			"a.go": "a", "b.go": "b", "c.go": "c",
		},
	}
	eng := &fakeEngine{scores: map[string]int{"a.go": 100, "b.go": 50, "c.go": 0}}

	jobs, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	source := &projects.StaticSource{
		Configs: map[string]datatypes.ProjectScanConfig{
			"proj-a": {ProjectID: "proj-a", Branch: "main", Cadence: datatypes.CadenceDaily},
		},
	}
	workflow := remediation.NewWorkflow(jobs, repos, eng, remediation.Config{})
	orch := New(jobs, repos, eng, workflow, source, nil, nil, Config{MaxFilesPerJob: 2})

	ctx := context.Background()
	job, err := orch.CreateJob(ctx, "proj-a", "tester", "", datatypes.TriggerManual, nil)
	require.NoError(t, err)
	require.NoError(t, orch.RunJob(ctx, job.ID))

	final, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	// Only a.go and b.go analyzed: (100+50)/2.
	assert.Equal(t, 75, final.SecurityScore)
}

// TestRunJobUnknownProjectFails verifies a job for an unregistered
// project lands in FAILED, not limbo.
func TestRunJobUnknownProjectFails(t *testing.T) {
	f := newFixture(t, &fakeRepo{}, &fakeEngine{})
	ctx := context.Background()

	job, err := f.orch.CreateJob(ctx, "ghost", "tester", "", datatypes.TriggerManual, nil)
	require.NoError(t, err)
	require.Error(t, f.orch.RunJob(ctx, job.ID))

	final, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFailed, final.Status)
}

// TestVulnerabilityDelta exercises the reducer directly.
func TestVulnerabilityDelta(t *testing.T) {
	fpA := datatypes.Fingerprint("a.go", 10, "XSS")
	fpB := datatypes.Fingerprint("b.go", 20, "SQLI")
	fpC := datatypes.Fingerprint("c.go", 30, "SSRF")

	prior := &datatypes.AnalysisJob{Vulnerabilities: []datatypes.Vulnerability{
		{Fingerprint: fpA}, {Fingerprint: fpB},
	}}
	current := []datatypes.Vulnerability{{Fingerprint: fpB}, {Fingerprint: fpC}}

	newCount, resolved := vulnerabilityDelta(current, prior)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 1, resolved)

	newCount, resolved = vulnerabilityDelta(current, nil)
	assert.Equal(t, 2, newCount)
	assert.Equal(t, 0, resolved)

	// Duplicate fingerprints in one run count once.
	dup := []datatypes.Vulnerability{{Fingerprint: fpC}, {Fingerprint: fpC}}
	newCount, resolved = vulnerabilityDelta(dup, nil)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 0, resolved)
}
