// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes job lifecycle events for downstream
// consumers (dashboards, alerting, audit pipelines).
//
// Publication is strictly fire-and-forget from the pipeline's point of
// view: a broker outage never affects job correctness.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
)

// JobEvent is the payload published on every job state transition into
// AWAITING_APPROVAL or a terminal status.
type JobEvent struct {
	JobID         string                  `json:"job_id"`
	ProjectID     string                  `json:"project_id"`
	Status        datatypes.JobStatus     `json:"status"`
	TriggeredBy   datatypes.TriggerSource `json:"triggered_by"`
	SecurityScore int                     `json:"security_score,omitempty"`
	ThreatLevel   datatypes.Severity      `json:"threat_level,omitempty"`
	Error         string                  `json:"error,omitempty"`
	Timestamp     time.Time               `json:"timestamp"`
}

// Publisher emits job lifecycle events.
type Publisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
	Close()
}

// NATSPublisher publishes job events to a NATS subject per status,
// e.g. sentinel.jobs.completed.
type NATSPublisher struct {
	conn *nats.Conn
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to NATS with retrying reconnect behavior.
func NewNATSPublisher(natsURL string) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}

	slog.Info("Sentinel connected to NATS", "url", natsURL)
	return &NATSPublisher{conn: conn}, nil
}

// PublishJobEvent publishes one job event.
func (p *NATSPublisher) PublishJobEvent(_ context.Context, event JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	subject := "sentinel.jobs." + strings.ToLower(string(event.Status))
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	slog.Debug("Published job event", "subject", subject, "job_id", event.JobID)
	return nil
}

// Close drains the NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
		slog.Info("Sentinel disconnected from NATS")
	}
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

var _ Publisher = NoopPublisher{}

func (NoopPublisher) PublishJobEvent(context.Context, JobEvent) error { return nil }
func (NoopPublisher) Close()                                          {}
