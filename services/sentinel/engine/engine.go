// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the code-analysis engine consumed by the
// pipeline and an OpenAI-backed implementation.
package engine

import (
	"context"
	"errors"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
)

// ErrEmptyResponse indicates the engine returned nothing usable.
var ErrEmptyResponse = errors.New("engine returned empty response")

// FileAnalysis is the engine's verdict on a single file.
type FileAnalysis struct {
	// Vulnerabilities found in the file. IDs and fingerprints are
	// assigned by the orchestrator, not the engine.
	Vulnerabilities []datatypes.Vulnerability `json:"vulnerabilities"`

	// SecurityScore is 0-100, higher is safer.
	SecurityScore int `json:"security_score"`

	ThreatLevel datatypes.Severity `json:"threat_level"`
}

// FixProposal is a proposed fix for one vulnerability.
type FixProposal struct {
	FixedCode   string  `json:"fixed_code"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// Engine scores files, proposes fixes, and builds threat models.
//
// Implementations are expected to be safe for concurrent use: the
// orchestrator fans per-file AnalyzeFile calls out with bounded
// concurrency.
type Engine interface {
	// AnalyzeFile scores one file's vulnerabilities.
	AnalyzeFile(ctx context.Context, content, path string) (*FileAnalysis, error)

	// ProposeFix proposes a fix for one vulnerability.
	ProposeFix(ctx context.Context, file, code, vulnType string, severity datatypes.Severity) (*FixProposal, error)

	// BuildThreatModel builds a repository-level threat model from the
	// full file list.
	BuildThreatModel(ctx context.Context, paths []string) (*datatypes.ThreatModel, error)
}
