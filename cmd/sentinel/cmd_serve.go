// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/sentinel/services/sentinel"
	"github.com/AleutianAI/sentinel/services/sentinel/engine"
	"github.com/AleutianAI/sentinel/services/sentinel/events"
	"github.com/AleutianAI/sentinel/services/sentinel/orchestrator"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/remediation"
	"github.com/AleutianAI/sentinel/services/sentinel/repo"
	"github.com/AleutianAI/sentinel/services/sentinel/scheduler"
	"github.com/AleutianAI/sentinel/services/sentinel/store/badgerstore"
	"github.com/AleutianAI/sentinel/services/sentinel/telemetry"
	"github.com/AleutianAI/sentinel/services/sentinel/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sentinel HTTP API, scheduler, and webhook ingestor",
	Run:   runServeCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServeCommand(cmd *cobra.Command, args []string) {
	metricsHandler, telemetryShutdown, err := telemetry.Init("sentinel")
	if err != nil {
		log.Fatalf("FATAL: telemetry setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(ctx); err != nil {
			slog.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.Default()
	if err != nil {
		log.Fatalf("FATAL: metrics registration failed: %v", err)
	}

	jobs, err := badgerstore.Open(badgerstore.DefaultConfig(config.Store.Path))
	if err != nil {
		log.Fatalf("FATAL: could not open the job store: %v", err)
	}
	defer jobs.Close()

	registry, err := projects.NewFileRegistry(config.Projects.File)
	if err != nil {
		log.Fatalf("FATAL: could not load the projects registry: %v", err)
	}
	if err := registry.Watch(); err != nil {
		slog.Warn("Projects hot reload unavailable", "error", err)
	}
	defer registry.Stop()

	repos, err := repo.NewLocalClient(config.Repo.Root)
	if err != nil {
		log.Fatalf("FATAL: could not open the repository root: %v", err)
	}

	eng, err := engine.NewOpenAIEngine(config.Engine.MaxRPS)
	if err != nil {
		log.Fatalf("FATAL: could not create the analysis engine: %v", err)
	}

	var publisher events.Publisher
	if config.Events.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(config.Events.NATSURL)
		if err != nil {
			slog.Warn("NATS unavailable, job events disabled", "error", err)
		} else {
			defer natsPub.Close()
			publisher = natsPub
		}
	}

	workflow := remediation.NewWorkflow(jobs, repos, eng, remediation.Config{})
	orch := orchestrator.New(jobs, repos, eng, workflow, registry, publisher, metrics,
		orchestrator.Config{})

	sched := scheduler.New(jobs, registry, orch, metrics,
		scheduler.Config{TickInterval: config.Scheduler.TickInterval})
	sched.Start()
	defer sched.Stop()

	svc := &sentinel.Service{
		Jobs:         jobs,
		Orchestrator: orch,
		Workflow:     workflow,
		Scheduler:    sched,
		Ingestor:     webhook.NewIngestor(registry, orch, metrics),
		Projects:     registry,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	sentinel.RegisterRoutes(router, svc, metricsHandler)

	server := &http.Server{
		Addr:              ":" + config.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Sentinel API listening", "port", config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutdown signal received, draining")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
}
