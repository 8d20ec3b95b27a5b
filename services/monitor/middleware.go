// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GinMetrics returns Gin middleware that records HTTP metrics.
//
// Description:
//
//	Records request counts, durations, and active-request gauge using
//	the platform Metrics set. Path attribution uses the matched route
//	template (c.FullPath) rather than the raw URL to keep cardinality
//	bounded.
//
// Inputs:
//
//	m - The platform metrics. Must not be nil.
//
// Outputs:
//
//	gin.HandlerFunc - Middleware recording metrics around each request.
//
// Thread Safety: Safe for concurrent use.
func GinMetrics(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()

		m.HTTPActiveRequests.Add(ctx, 1)
		defer m.HTTPActiveRequests.Add(ctx, -1)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", path),
			attribute.String("http.status", strconv.Itoa(c.Writer.Status())),
		)

		m.HTTPRequestsTotal.Add(ctx, 1, attrs)
		m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
