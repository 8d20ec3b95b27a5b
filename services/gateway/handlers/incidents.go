// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/KodiakOps/KodiakStack/services/autonomic"
)

// ListIncidents returns incidents from the journal, newest data last.
//
// Query params: component (prefix filter), limit (default 100),
// active=true to restrict to open incidents.
func ListIncidents(store *autonomic.IncidentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}

		if c.Query("active") == "true" {
			active := []autonomic.Incident{}
			for _, name := range activeComponents(store) {
				if inc, ok := store.Active(name); ok {
					active = append(active, *inc)
				}
			}
			c.JSON(http.StatusOK, gin.H{"incidents": active, "count": len(active)})
			return
		}

		incidents, err := store.List(c.Query("component"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
	}
}

// GetIncident returns one incident by ID.
func GetIncident(store *autonomic.IncidentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		inc, found, err := store.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		c.JSON(http.StatusOK, inc)
	}
}

// activeComponents lists component names with open incidents.
func activeComponents(store *autonomic.IncidentStore) []string {
	incidents, err := store.List("", 0)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(incidents))
	seen := make(map[string]bool)
	for _, inc := range incidents {
		if inc.State.Terminal() || seen[inc.Component] {
			continue
		}
		seen[inc.Component] = true
		names = append(names, inc.Component)
	}
	return names
}
