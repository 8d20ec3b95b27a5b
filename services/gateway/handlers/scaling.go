// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KodiakOps/KodiakStack/services/aiops"
)

// ScalingStatus returns the scaler's current target state and policy
// bounds.
func ScalingStatus(scaler *aiops.AutoScaler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if scaler == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "auto-scaling is not configured"})
			return
		}
		status, err := scaler.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// ScalingDecisions returns recent scaling decisions, oldest first.
func ScalingDecisions(scaler *aiops.AutoScaler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if scaler == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "auto-scaling is not configured"})
			return
		}
		decisions := scaler.Decisions()
		c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
	}
}
