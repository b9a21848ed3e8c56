// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sentinel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/sentinel/services/sentinel/datatypes"
	"github.com/AleutianAI/sentinel/services/sentinel/orchestrator"
	"github.com/AleutianAI/sentinel/services/sentinel/remediation"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
	"github.com/AleutianAI/sentinel/services/sentinel/webhook"
)

// maxWebhookBody caps webhook payload reads at 1 MiB.
const maxWebhookBody = 1 << 20

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartJob handles POST /v1/sentinel/jobs.
func StartJob(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Received job submission", "project_id", req.ProjectID, "user_id", req.UserID)

		job, err := svc.StartJob(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// GetJob handles GET /v1/sentinel/jobs/:jobId.
func GetJob(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.GetJob(c.Request.Context(), c.Param("jobId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ListJobs handles GET /v1/sentinel/jobs with optional projectId,
// status (repeatable), and limit query parameters.
func ListJobs(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.ListFilter{ProjectID: c.Query("projectId")}
		for _, s := range c.QueryArray("status") {
			status := datatypes.JobStatus(s)
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status: " + s})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
		var limitReq struct {
			Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
		}
		if err := c.ShouldBindQuery(&limitReq); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Limit = limitReq.Limit

		jobs, err := svc.ListJobs(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

// SubmitApproval handles POST /v1/sentinel/jobs/:jobId/approval.
func SubmitApproval(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		var req ApprovalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Received approval decision",
			"job_id", jobID, "decision", req.Decision, "actor", req.Actor)

		job, err := svc.SubmitApproval(c.Request.Context(), jobID, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ProjectHistory handles GET /v1/sentinel/projects/:projectId/history
// with optional RFC 3339 since/until bounds.
func ProjectHistory(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := timeQuery(c, "since")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		until, err := timeQuery(c, "until")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		entries, err := svc.ProjectHistory(c.Request.Context(), c.Param("projectId"), since, until)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
	}
}

// TriggerScheduledRun handles POST /v1/sentinel/scheduler/run. Intended
// for operators; the scheduler loop covers normal operation.
func TriggerScheduledRun(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		cadence := datatypes.Cadence(c.DefaultQuery("cadence", string(datatypes.CadenceDaily)))
		if cadence != datatypes.CadenceDaily && cadence != datatypes.CadenceWeekly {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cadence must be DAILY or WEEKLY"})
			return
		}

		enqueued, err := svc.TriggerScheduledRun(c.Request.Context(), cadence)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cadence": cadence, "enqueued": enqueued})
	}
}

// ReceivePushWebhook handles POST /v1/sentinel/webhooks/push. The
// signature arrives in the X-Sentinel-Signature header as a hex
// HMAC-SHA256 of the raw body.
func ReceivePushWebhook(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
			return
		}

		var event webhook.PushEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}
		if event.ProjectID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
			return
		}

		outcome, err := svc.ReceivePushWebhook(c.Request.Context(),
			c.GetHeader("X-Sentinel-Signature"), raw, event)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcome)
	}
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, remediation.ErrDecisionAlreadyMade),
		errors.Is(err, remediation.ErrNoApprovalPending):
		status = http.StatusConflict
	case errors.Is(err, remediation.ErrInvalidDecision),
		errors.Is(err, remediation.ErrUnknownActionID),
		errors.Is(err, orchestrator.ErrProjectRequired):
		status = http.StatusBadRequest
	case errors.Is(err, webhook.ErrBadSignature):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New(name + " must be RFC 3339")
	}
	return &t, nil
}
