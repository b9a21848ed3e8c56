// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry metrics with a Prometheus
// exporter for the Sentinel service.
//
// Init installs a global MeterProvider backed by a Prometheus registry;
// MetricsHandler exposes that registry for a /metrics endpoint. All
// recording helpers are nil-safe so components can run without
// telemetry in tests.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Init installs the global MeterProvider with a Prometheus reader.
//
// Outputs:
//
//	handler - HTTP handler serving the Prometheus scrape endpoint.
//	shutdown - Cleanup function; call on application exit.
//	error - Non-nil if exporter construction fails.
func Init(serviceName string) (http.Handler, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return handler, provider.Shutdown, nil
}

// Metrics holds the pipeline's counters and histograms.
//
// A nil *Metrics is valid: every Record method no-ops.
type Metrics struct {
	// JobsStartedTotal counts job runs started, by trigger.
	JobsStartedTotal metric.Int64Counter

	// JobsFinishedTotal counts job runs reaching a terminal status.
	JobsFinishedTotal metric.Int64Counter

	// JobDuration records whole-job duration in seconds by final status.
	JobDuration metric.Float64Histogram

	// EngineCallsTotal counts analysis engine calls by operation and status.
	EngineCallsTotal metric.Int64Counter

	// WebhookEventsTotal counts webhook deliveries by outcome.
	WebhookEventsTotal metric.Int64Counter

	// SchedulerEnqueuesTotal counts scheduler-created jobs by cadence.
	SchedulerEnqueuesTotal metric.Int64Counter
}

// NewMetrics registers the pipeline metrics on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.JobsStartedTotal, err = meter.Int64Counter("sentinel_jobs_started_total",
		metric.WithDescription("Analysis job runs started")); err != nil {
		return nil, err
	}
	if m.JobsFinishedTotal, err = meter.Int64Counter("sentinel_jobs_finished_total",
		metric.WithDescription("Analysis job runs finished, by status")); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("sentinel_job_duration_seconds",
		metric.WithDescription("Whole-job duration in seconds")); err != nil {
		return nil, err
	}
	if m.EngineCallsTotal, err = meter.Int64Counter("sentinel_engine_calls_total",
		metric.WithDescription("Analysis engine calls, by operation and status")); err != nil {
		return nil, err
	}
	if m.WebhookEventsTotal, err = meter.Int64Counter("sentinel_webhook_events_total",
		metric.WithDescription("Webhook deliveries, by outcome")); err != nil {
		return nil, err
	}
	if m.SchedulerEnqueuesTotal, err = meter.Int64Counter("sentinel_scheduler_enqueues_total",
		metric.WithDescription("Jobs created by the scheduler, by cadence")); err != nil {
		return nil, err
	}
	return m, nil
}

// Default creates metrics on the global meter.
func Default() (*Metrics, error) {
	return NewMetrics(otel.Meter("sentinel"))
}

// RecordJobStarted counts one started job run.
func (m *Metrics) RecordJobStarted(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.JobsStartedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordJobFinished counts one finished job run and its duration.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.JobsFinishedTotal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordEngineCall counts one engine call.
func (m *Metrics) RecordEngineCall(ctx context.Context, operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EngineCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status)))
}

// RecordWebhookEvent counts one webhook delivery outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSchedulerEnqueue counts one scheduler-created job.
func (m *Metrics) RecordSchedulerEnqueue(ctx context.Context, cadence string) {
	if m == nil {
		return
	}
	m.SchedulerEnqueuesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cadence", cadence)))
}
