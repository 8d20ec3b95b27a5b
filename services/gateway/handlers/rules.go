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

	"github.com/KodiakOps/KodiakStack/services/autonomic"
)

// RuleSummary is the API projection of a heal rule; the bound
// condition/action/verify functions are not serializable.
type RuleSummary struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Cooldown    string `json:"cooldown,omitempty"`
	MaxAttempts int    `json:"max_attempts"`
	SuccessRate float64 `json:"success_rate"`
}

// ListRules returns the registered heal rules in evaluation order.
func ListRules(reg *autonomic.Registry, scorer *autonomic.DecisionScorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		rules := reg.All()
		out := make([]RuleSummary, 0, len(rules))
		for _, r := range rules {
			summary := RuleSummary{
				ID:          r.ID,
				Description: r.Description,
				Priority:    r.Priority,
				MaxAttempts: r.MaxAttempts,
				SuccessRate: scorer.SuccessRate(r.ID),
			}
			if r.Cooldown > 0 {
				summary.Cooldown = r.Cooldown.String()
			}
			out = append(out, summary)
		}
		c.JSON(http.StatusOK, gin.H{"rules": out, "count": len(out)})
	}
}
