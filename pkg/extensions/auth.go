// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "context"

// AuthInfo describes an authenticated principal.
type AuthInfo struct {
	// UserID is the stable identifier for the principal.
	UserID string

	// DisplayName is a human-readable name for logs and audit events.
	DisplayName string

	// Roles lists the roles granted to the principal.
	Roles []string

	// Metadata carries provider-specific attributes (tenant, org, ...).
	Metadata map[string]string
}

// HasRole reports whether the principal holds the given role.
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// The open source default (NopAuthProvider) authenticates every request
// as a local admin so the CLI works without identity infrastructure.
// Enterprise implementations validate against identity providers
// (Okta, Auth0, Azure AD) and return real identities.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks a token and returns the principal it represents.
	// Returns an error for invalid, expired, or revoked tokens.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check.
type AuthzRequest struct {
	// Subject is the principal requesting the action.
	Subject *AuthInfo

	// Action is the operation, e.g. "heal:execute", "audit:read",
	// "infra:apply".
	Action string

	// ResourceType is the kind of resource, e.g. "incident", "rule".
	ResourceType string

	// ResourceID identifies the specific resource. Empty means the
	// check is for the resource type in general.
	ResourceID string
}

// AuthzProvider authorizes actions against resources.
//
// Implementations must be safe for concurrent use.
type AuthzProvider interface {
	// Authorize returns nil if the request is permitted.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider authenticates all requests as "local-user" with the
// admin role. This is the open source default; it lets the CLI and
// gateway function without any authentication infrastructure.
type NopAuthProvider struct{}

// Validate returns a local admin identity for any token.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:      "local-user",
		DisplayName: "Local User",
		Roles:       []string{"admin"},
	}, nil
}

// NopAuthzProvider allows all actions.
type NopAuthzProvider struct{}

// Authorize always permits the request.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
