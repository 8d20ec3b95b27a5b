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

	"github.com/KodiakOps/KodiakStack/services/devops"
	"github.com/KodiakOps/KodiakStack/services/gateway/middleware"
)

// InfraPlan diffs the infra config on disk against the applied state.
func InfraPlan(manager *devops.Manager, configPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := devops.LoadConfig(configPath)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}

		plan, _, err := manager.Plan(cfg)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"environment": plan.Environment,
			"summary":     plan.Summary(),
			"changes":     plan.Changes,
			"empty":       plan.Empty(),
		})
	}
}

// InfraApply applies the infra config on disk. The apply runs in the
// request, serialized by the manager's caller contract; the principal
// goes into the audit trail. ?dry_run=true plans without writing.
func InfraApply(manager *devops.Manager, configPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := devops.LoadConfig(configPath)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}

		actor := "anonymous"
		if p := middleware.Principal(c); p != nil {
			actor = p.UserID
		}
		dryRun := c.Query("dry_run") == "true"

		result, err := manager.Apply(c.Request.Context(), cfg, actor, dryRun)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
