// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIEngine implements Engine on the OpenAI chat completion API.
//
// Requests ask for JSON-object responses and decode them into the
// payload structs below. A rate limiter caps request throughput so the
// orchestrator's per-file fan-out cannot exceed provider quotas.
type OpenAIEngine struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

var _ Engine = (*OpenAIEngine)(nil)

// NewOpenAIEngine creates an engine from the environment.
//
// Reads OPENAI_API_KEY (falling back to the container secret at
// /run/secrets/openai_api_key) and OPENAI_MODEL. maxRPS caps engine
// calls per second; <= 0 disables limiting.
func NewOpenAIEngine(maxRPS float64) (*OpenAIEngine, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		if data, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(data))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", model)
	}

	limit := rate.Inf
	if maxRPS > 0 {
		limit = rate.Limit(maxRPS)
	}

	slog.Info("Initializing OpenAI analysis engine", "model", model, "max_rps", maxRPS)
	return &OpenAIEngine{
		client:  openai.NewClient(apiKey),
		model:   model,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// fileAnalysisPayload is the JSON shape the model is asked to produce
// for AnalyzeFile.
type fileAnalysisPayload struct {
	Vulnerabilities []struct {
		Line           int     `json:"line"`
		Severity       string  `json:"severity"`
		Type           string  `json:"type"`
		Confidence     float64 `json:"confidence"`
		Exploitability float64 `json:"exploitability"`
		Impact         float64 `json:"impact"`
		Description    string  `json:"description"`
	} `json:"vulnerabilities"`
	SecurityScore int    `json:"security_score"`
	ThreatLevel   string `json:"threat_level"`
}

// AnalyzeFile scores one file's vulnerabilities.
func (e *OpenAIEngine) AnalyzeFile(ctx context.Context, content, path string) (*FileAnalysis, error) {
	prompt := fmt.Sprintf(
		"Review the following file for security vulnerabilities. Respond with a JSON object "+
			"containing \"vulnerabilities\" (array of {line, severity, type, confidence, "+
			"exploitability, impact, description}), \"security_score\" (0-100, higher is safer) "+
			"and \"threat_level\" (LOW|MEDIUM|HIGH|CRITICAL).\n\nFile: %s\n\n%s",
		path, content)

	raw, err := e.complete(ctx, "You are a security code reviewer. Respond only with JSON.", prompt)
	if err != nil {
		return nil, err
	}

	var payload fileAnalysisPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode analysis response for %s: %w", path, err)
	}

	result := &FileAnalysis{
		SecurityScore: payload.SecurityScore,
		ThreatLevel:   normalizeSeverity(payload.ThreatLevel),
	}
	for _, v := range payload.Vulnerabilities {
		result.Vulnerabilities = append(result.Vulnerabilities, datatypes.Vulnerability{
			File:           path,
			Line:           v.Line,
			Severity:       normalizeSeverity(v.Severity),
			Type:           v.Type,
			Confidence:     clamp01(v.Confidence),
			Exploitability: clamp01(v.Exploitability),
			Impact:         clamp01(v.Impact),
			Description:    v.Description,
		})
	}
	return result, nil
}

// fixPayload is the JSON shape the model is asked to produce for
// ProposeFix.
type fixPayload struct {
	FixedCode   string  `json:"fixed_code"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// ProposeFix proposes a fix for one vulnerability.
func (e *OpenAIEngine) ProposeFix(ctx context.Context, file, code, vulnType string, severity datatypes.Severity) (*FixProposal, error) {
	prompt := fmt.Sprintf(
		"Propose a fix for a %s severity %s vulnerability. Respond with a JSON object containing "+
			"\"fixed_code\", \"confidence\" (0-100) and \"description\".\n\nFile: %s\n\nCode:\n%s",
		severity, vulnType, file, code)

	raw, err := e.complete(ctx, "You are a security remediation assistant. Respond only with JSON.", prompt)
	if err != nil {
		return nil, err
	}

	var payload fixPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode fix response for %s: %w", file, err)
	}
	if payload.FixedCode == "" {
		return nil, fmt.Errorf("fix for %s: %w", file, ErrEmptyResponse)
	}
	return &FixProposal{
		FixedCode:   payload.FixedCode,
		Confidence:  payload.Confidence,
		Description: payload.Description,
	}, nil
}

// threatModelPayload is the JSON shape the model is asked to produce
// for BuildThreatModel.
type threatModelPayload struct {
	Nodes []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Kind  string `json:"kind"`
	} `json:"nodes"`
	Edges []struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Label string `json:"label"`
	} `json:"edges"`
	AttackVectors []string `json:"attack_vectors"`
	AttackSurface string   `json:"attack_surface"`
}

// BuildThreatModel builds a repository-level threat model.
func (e *OpenAIEngine) BuildThreatModel(ctx context.Context, paths []string) (*datatypes.ThreatModel, error) {
	prompt := fmt.Sprintf(
		"Build a threat model for a repository with the following files. Respond with a JSON "+
			"object containing \"nodes\" ({id, label, kind}), \"edges\" ({from, to, label}), "+
			"\"attack_vectors\" (array of strings) and \"attack_surface\" (summary string).\n\n%s",
		strings.Join(paths, "\n"))

	raw, err := e.complete(ctx, "You are a threat modeling assistant. Respond only with JSON.", prompt)
	if err != nil {
		return nil, err
	}

	var payload threatModelPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode threat model response: %w", err)
	}

	model := &datatypes.ThreatModel{
		AttackVectors: payload.AttackVectors,
		AttackSurface: payload.AttackSurface,
	}
	for _, n := range payload.Nodes {
		model.Nodes = append(model.Nodes, datatypes.ThreatNode{ID: n.ID, Label: n.Label, Kind: n.Kind})
	}
	for _, ed := range payload.Edges {
		model.Edges = append(model.Edges, datatypes.ThreatEdge{From: ed.From, To: ed.To, Label: ed.Label})
	}
	return model, nil
}

// complete runs one rate-limited chat completion and returns the raw
// response content.
func (e *OpenAIEngine) complete(ctx context.Context, system, prompt string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func normalizeSeverity(s string) datatypes.Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return datatypes.SeverityCritical
	case "HIGH":
		return datatypes.SeverityHigh
	case "MEDIUM":
		return datatypes.SeverityMedium
	default:
		return datatypes.SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
