// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestFingerprintStableAcrossNearbyLines verifies the line bucketing:
// the same finding drifting a few lines keeps its identity.
func TestFingerprintStableAcrossNearbyLines(t *testing.T) {
	base := Fingerprint("api/auth.go", 100, "SQL_INJECTION")

	assert.Equal(t, base, Fingerprint("api/auth.go", 101, "SQL_INJECTION"))
	assert.Equal(t, base, Fingerprint("api/auth.go", 104, "SQL_INJECTION"))

	// Next bucket boundary.
	assert.NotEqual(t, base, Fingerprint("api/auth.go", 105, "SQL_INJECTION"))
}

// TestFingerprintDiscriminates verifies file and type changes produce
// distinct fingerprints.
func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("api/auth.go", 100, "SQL_INJECTION")

	assert.NotEqual(t, base, Fingerprint("api/users.go", 100, "SQL_INJECTION"))
	assert.NotEqual(t, base, Fingerprint("api/auth.go", 100, "XSS"))
	assert.Len(t, base, 32)
}

// TestMaxSeverityIsMaxReduction verifies one CRITICAL outweighs any
// number of lesser findings, and an empty set is LOW.
func TestMaxSeverityIsMaxReduction(t *testing.T) {
	tests := []struct {
		name  string
		vulns []Vulnerability
		want  Severity
	}{
		{"empty set is LOW", nil, SeverityLow},
		{"single medium", []Vulnerability{{Severity: SeverityMedium}}, SeverityMedium},
		{
			"one critical among lows",
			[]Vulnerability{
				{Severity: SeverityLow}, {Severity: SeverityLow},
				{Severity: SeverityCritical}, {Severity: SeverityLow},
			},
			SeverityCritical,
		},
		{
			"high beats medium",
			[]Vulnerability{{Severity: SeverityMedium}, {Severity: SeverityHigh}},
			SeverityHigh,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxSeverity(tt.vulns))
		})
	}
}

// TestStageProgress verifies the canonical stage percentages.
func TestStageProgress(t *testing.T) {
	assert.Equal(t, 10, StageFetchingCode.Progress())
	assert.Equal(t, 30, StageStaticAnalysis.Progress())
	assert.Equal(t, 60, StageAIAnalysis.Progress())
	assert.Equal(t, 80, StageThreatModeling.Progress())
	assert.Equal(t, 0, Stage("BOGUS").Progress())
}

// TestJobProgressDerivation verifies progress is pinned for terminal
// states and tracks the stage while running.
func TestJobProgressDerivation(t *testing.T) {
	stage := StageAIAnalysis

	assert.Equal(t, 0, (&AnalysisJob{Status: StatusPending}).Progress())
	assert.Equal(t, 60, (&AnalysisJob{Status: StatusInProgress, Stage: &stage}).Progress())
	assert.Equal(t, 100, (&AnalysisJob{Status: StatusCompleted}).Progress())
	assert.Equal(t, 100, (&AnalysisJob{Status: StatusAwaitingApproval}).Progress())

	// A failed job reports the stage it failed in.
	assert.Equal(t, 60, (&AnalysisJob{Status: StatusFailed, Stage: &stage}).Progress())
	assert.Equal(t, 0, (&AnalysisJob{Status: StatusFailed}).Progress())
}

// TestStatusTerminal verifies terminal classification.
func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusAwaitingApproval.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

// TestStatusValid rejects unknown statuses.
func TestStatusValid(t *testing.T) {
	assert.True(t, StatusCompleted.Valid())
	assert.False(t, JobStatus("DONE").Valid())
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, 0, Severity("").Rank())
}
