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
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sentinel/pkg/ux"
	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/engine"
	"github.com/AleutianAI/sentinel/services/sentinel/orchestrator"
	"github.com/AleutianAI/sentinel/services/sentinel/projects"
	"github.com/AleutianAI/sentinel/services/sentinel/remediation"
	"github.com/AleutianAI/sentinel/services/sentinel/repo"
	"github.com/AleutianAI/sentinel/services/sentinel/scheduler"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/store/badgerstore"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	scanProject string
	scanRef     string
	scanUser    string
	scanJSON    bool

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Run one analysis job synchronously and print the result",
		Run:   runScanCommand,
	}

	scheduleCadence string

	scheduleRunCmd = &cobra.Command{
		Use:   "schedule-run",
		Short: "Run one due-scan pass for a cadence without the serve loop",
		Run:   runScheduleRunCommand,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the sentinel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sentinel", version)
		},
	}
)

func init() {
	scanCmd.Flags().StringVar(&scanProject, "project", "", "project id from the projects registry")
	scanCmd.Flags().StringVar(&scanRef, "ref", "", "commit ref to analyze (default: tracked branch)")
	scanCmd.Flags().StringVar(&scanUser, "user", "cli", "user id recorded on the job")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the full job record as JSON")
	_ = scanCmd.MarkFlagRequired("project")

	scheduleRunCmd.Flags().StringVar(&scheduleCadence, "cadence", "DAILY", "DAILY or WEEKLY")

	rootCmd.AddCommand(scanCmd, scheduleRunCmd, versionCmd)
}

// buildPipeline assembles the store, registry, and orchestrator the
// one-shot commands share.
func buildPipeline() (*badgerstore.Store, *projects.FileRegistry, *orchestrator.Orchestrator) {
	jobs, err := badgerstore.Open(badgerstore.DefaultConfig(config.Store.Path))
	if err != nil {
		log.Fatalf("FATAL: could not open the job store: %v", err)
	}

	registry, err := projects.NewFileRegistry(config.Projects.File)
	if err != nil {
		log.Fatalf("FATAL: could not load the projects registry: %v", err)
	}

	repos, err := repo.NewLocalClient(config.Repo.Root)
	if err != nil {
		log.Fatalf("FATAL: could not open the repository root: %v", err)
	}

	eng, err := engine.NewOpenAIEngine(config.Engine.MaxRPS)
	if err != nil {
		log.Fatalf("FATAL: could not create the analysis engine: %v", err)
	}

	workflow := remediation.NewWorkflow(jobs, repos, eng, remediation.Config{})
	orch := orchestrator.New(jobs, repos, eng, workflow, registry, nil, nil,
		orchestrator.Config{})
	return jobs, registry, orch
}

func runScanCommand(cmd *cobra.Command, args []string) {
	jobs, _, orch := buildPipeline()
	defer jobs.Close()

	ctx := context.Background()
	job, err := orch.CreateJob(ctx, scanProject, scanUser, scanRef, datatypes.TriggerManual, nil)
	if err != nil {
		log.Fatalf("FATAL: could not create the job: %v", err)
	}

	spin := ux.NewSpinner(fmt.Sprintf("Scanning %s", scanProject))
	spin.Start()
	runErr := orch.RunJob(ctx, job.ID)
	if runErr != nil {
		spin.StopWithError(fmt.Sprintf("job %s failed: %v", job.ID, runErr))
		os.Exit(1)
	}
	spin.StopWithSuccess(fmt.Sprintf("Scan complete for %s", scanProject))

	final, err := jobs.GetJob(ctx, job.ID)
	if err != nil {
		log.Fatalf("FATAL: could not reload the job: %v", err)
	}

	if scanJSON {
		out, err := json.MarshalIndent(final, "", "  ")
		if err != nil {
			log.Fatalf("FATAL: could not render the job: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	ux.Title(fmt.Sprintf("Job %s (%s @ %s)", final.ID, final.ProjectID, final.CommitRef))
	for _, v := range final.Vulnerabilities {
		ux.Finding(string(v.Severity), v.File, v.Line, v.Description)
	}
	ux.ScoreSummary(final.SecurityScore, string(final.ThreatLevel),
		len(final.Vulnerabilities), final.AnalysisErrors)

	if final.Status == datatypes.StatusAwaitingApproval {
		ux.WarningBox("Awaiting human approval",
			fmt.Sprintf("%d proposed remediation(s) need a decision.\nSubmit one via POST /v1/sentinel/jobs/%s/approval",
				len(final.ProposedRemediations), final.ID))
	}
}

func runScheduleRunCommand(cmd *cobra.Command, args []string) {
	jobs, registry, orch := buildPipeline()
	defer jobs.Close()

	ctx := context.Background()
	sched := scheduler.New(jobs, registry, orch, nil, scheduler.Config{})
	enqueued, err := sched.RunDue(ctx, datatypes.Cadence(scheduleCadence))
	if err != nil {
		log.Fatalf("FATAL: due-scan pass failed: %v", err)
	}

	// One-shot mode: drain the enqueued jobs before exiting. A job the
	// background launcher already claimed is a silent no-op here.
	pending, err := jobs.ListJobs(ctx, store.ListFilter{
		Statuses: []datatypes.JobStatus{datatypes.StatusPending},
	})
	if err != nil {
		log.Fatalf("FATAL: could not list pending jobs: %v", err)
	}
	for _, job := range pending {
		if err := orch.RunJob(ctx, job.ID); err != nil {
			ux.Error(fmt.Sprintf("job %s failed: %v", job.ID, err))
		}
	}
	ux.Success(fmt.Sprintf("Enqueued %d job(s) for cadence %s", enqueued, scheduleCadence))
}
