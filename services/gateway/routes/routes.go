// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes maps the gateway's URL space onto handlers.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
	"github.com/KodiakOps/KodiakStack/services/aiops"
	"github.com/KodiakOps/KodiakStack/services/autonomic"
	"github.com/KodiakOps/KodiakStack/services/compliance"
	"github.com/KodiakOps/KodiakStack/services/devops"
	"github.com/KodiakOps/KodiakStack/services/gateway/handlers"
	"github.com/KodiakOps/KodiakStack/services/gateway/middleware"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// Deps carries everything the routes need. Optional subsystems may be
// nil; their endpoints respond 404.
type Deps struct {
	// Auth validates bearer tokens. Required (use the nop provider for
	// open deployments).
	Auth extensions.AuthProvider

	// Health backs /health. Required.
	Health *monitor.HealthChecker

	// Incidents backs the incident endpoints. Required.
	Incidents *autonomic.IncidentStore

	// Rules and Scorer back the heal-rule listing. Required.
	Rules  *autonomic.Registry
	Scorer *autonomic.DecisionScorer

	// Scaler backs the scaling endpoints. Optional.
	Scaler *aiops.AutoScaler

	// Audit backs the audit query endpoint. Required.
	Audit *compliance.AuditLogger

	// Reporter backs /audit/report. Required.
	Reporter *compliance.Reporter

	// AuditDir and AuditService locate segments for verification.
	AuditDir     string
	AuditService string

	// Infra backs the plan/apply endpoints; InfraConfigPath is the
	// config they load. Optional.
	Infra           *devops.Manager
	InfraConfigPath string

	// Bus feeds the websocket event stream. Required.
	Bus *autonomic.EventBus
}

// SetupRoutes registers every gateway route on the router.
//
// /health and /metrics stay outside the auth group so load balancers
// and Prometheus can probe without credentials.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.Health(deps.Health))
	router.GET("/metrics", func(c *gin.Context) {
		h := monitor.MetricsHandler()
		if h == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "prometheus exporter is not enabled"})
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.BearerAuth(deps.Auth))
	{
		incidents := v1.Group("/incidents")
		{
			incidents.GET("", handlers.ListIncidents(deps.Incidents))
			incidents.GET("/:id", handlers.GetIncident(deps.Incidents))
		}

		v1.GET("/heal/rules", handlers.ListRules(deps.Rules, deps.Scorer))

		scaling := v1.Group("/scaling")
		{
			scaling.GET("/status", handlers.ScalingStatus(deps.Scaler))
			scaling.GET("/decisions", handlers.ScalingDecisions(deps.Scaler))
		}

		audit := v1.Group("/audit")
		{
			audit.GET("/records", handlers.QueryAudit(deps.Audit))
			audit.GET("/verify", handlers.VerifyAudit(deps.AuditDir, deps.AuditService))
			audit.GET("/report", handlers.AuditReport(deps.Reporter))
		}

		if deps.Infra != nil {
			infra := v1.Group("/infra")
			infra.Use(middleware.RequireRole("admin"))
			{
				infra.POST("/plan", handlers.InfraPlan(deps.Infra, deps.InfraConfigPath))
				infra.POST("/apply", handlers.InfraApply(deps.Infra, deps.InfraConfigPath))
			}
		}

		v1.GET("/ws/events", handlers.EventStream(deps.Bus))
	}
}
