// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides gateway HTTP middleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
)

// principalKey is where BearerAuth stores the authenticated principal.
const principalKey = "kodiak.principal"

// BearerAuth validates the Authorization header against the configured
// AuthProvider and stores the principal in the request context.
//
// # Description
//
// Expects "Authorization: Bearer <token>". The token (empty when the
// header is missing) is passed to the provider; the open source
// NopAuthProvider accepts anything and returns a local admin, so a bare
// deployment needs no credentials. A provider rejection becomes 401.
//
// # Thread Safety
//
// Safe for concurrent use.
func BearerAuth(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}

		info, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(principalKey, info)
		c.Next()
	}
}

// Principal returns the authenticated principal, or nil outside an
// authenticated request.
func Principal(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	info, _ := v.(*extensions.AuthInfo)
	return info
}

// RequireRole rejects requests whose principal lacks the role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Principal(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role " + role + " required"})
			return
		}
		c.Next()
	}
}
