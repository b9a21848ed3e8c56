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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes wires the service's API surface onto the router.
// metricsHandler serves the Prometheus scrape endpoint and may be nil.
func RegisterRoutes(router *gin.Engine, svc *Service, metricsHandler http.Handler) {
	router.Use(otelgin.Middleware("sentinel"))

	router.GET("/health", HealthCheck)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1/sentinel")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", StartJob(svc))
			jobs.GET("", ListJobs(svc))
			jobs.GET("/:jobId", GetJob(svc))
			jobs.POST("/:jobId/approval", SubmitApproval(svc))
		}
		v1.GET("/projects/:projectId/history", ProjectHistory(svc))
		v1.POST("/scheduler/run", TriggerScheduledRun(svc))
		v1.POST("/webhooks/push", ReceivePushWebhook(svc))
	}
}
