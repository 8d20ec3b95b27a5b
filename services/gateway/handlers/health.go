// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP handlers, one file per
// resource.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// Health returns the platform health snapshot.
//
// 200 when every component is healthy or degraded, 503 when any
// component is unhealthy, so load balancers can use this directly.
func Health(checker *monitor.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := checker.Snapshot(c.Request.Context())

		status := http.StatusOK
		if snap.Overall() == monitor.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":     snap.Overall(),
			"taken_at":   snap.TakenAt,
			"components": snap.Components,
		})
	}
}
