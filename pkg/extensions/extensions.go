// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the open-core extension interfaces for Kodiak.
//
// KodiakStack is designed as a fully functional local platform that works
// without any external infrastructure. Enterprise features are implemented
// by providing concrete implementations of these interfaces and injecting
// them via ServiceOptions.
//
// # Extension Categories
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: External audit event sinks (AuditSink)
//   - notify.go: Escalation notification (Notifier)
//
// # Usage in KodiakStack (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	svc, err := gateway.New(cfg, opts)
//
// # Usage in KodiakEnterprise
//
// Enterprise provides concrete implementations:
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider: enterprise.NewOktaProvider(cfg),
//	    AuditSink:    enterprise.NewBigQuerySink(cfg),
//	    Notifier:     enterprise.NewPagerDutyNotifier(cfg),
//	}
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to service constructors to enable enterprise features.
// All fields are optional; nil values are replaced with no-op defaults
// by DefaultOptions() or by services checking for nil.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on the gateway.
	AuthProvider AuthProvider

	// AuthzProvider authorizes actions against resources.
	AuthzProvider AuthzProvider

	// AuditSink receives a copy of every audit event written by the
	// compliance logger. Fire-and-forget; failures never block local
	// audit persistence.
	AuditSink AuditSink

	// Notifier delivers escalation notifications when the autonomic
	// engine exhausts a heal budget.
	Notifier Notifier
}

// DefaultOptions returns ServiceOptions with no-op implementations for
// every extension point.
func DefaultOptions() *ServiceOptions {
	return &ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditSink:     &NopAuditSink{},
		Notifier:      &NopNotifier{},
	}
}

// Normalize fills nil fields with no-op defaults. Safe to call on nil;
// returns a fully populated options struct either way.
func (o *ServiceOptions) Normalize() *ServiceOptions {
	if o == nil {
		return DefaultOptions()
	}
	if o.AuthProvider == nil {
		o.AuthProvider = &NopAuthProvider{}
	}
	if o.AuthzProvider == nil {
		o.AuthzProvider = &NopAuthzProvider{}
	}
	if o.AuditSink == nil {
		o.AuditSink = &NopAuditSink{}
	}
	if o.Notifier == nil {
		o.Notifier = &NopNotifier{}
	}
	return o
}
