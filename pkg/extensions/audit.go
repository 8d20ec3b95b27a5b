// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// SinkEvent is the audit event shape delivered to external sinks.
//
// This mirrors the compliance logger's record but is decoupled from it
// so enterprise sinks do not depend on the compliance package's storage
// internals (sequence numbers and chain hashes stay local).
type SinkEvent struct {
	// ID is the unique event identifier.
	ID string

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// EventType categorizes the event (HEAL_ACTION, SCALING_DECISION,
	// CONFIG_CHANGE, PHI_ACCESS, ...).
	EventType string

	// Actor is who or what performed the action ("autonomic-engine",
	// "local-user", ...).
	Actor string

	// Action is the action performed.
	Action string

	// Outcome is the result ("success", "failure", "escalated").
	Outcome string

	// Target identifies the affected resource.
	Target string

	// Details carries additional event context.
	Details map[string]any
}

// AuditSink receives copies of audit events for external processing.
//
// FOSS provides a no-op default. Enterprise injects implementations
// backed by BigQuery, Splunk, or SIEM pipelines for forensic-grade
// compliance reporting.
//
// Sink errors must not block audit persistence: the local hash-chained
// log is the source of truth, and callers log sink failures but do not
// propagate them. Implementations handle their own retry logic and must
// be safe for concurrent use.
type AuditSink interface {
	// Record delivers one event. Fire-and-forget from the caller's
	// perspective; errors are logged, never fatal.
	Record(ctx context.Context, event SinkEvent) error

	// Flush sends all buffered events. Called during graceful shutdown.
	Flush(ctx context.Context) error
}

// NopAuditSink discards all events.
type NopAuditSink struct{}

// Record discards the event.
func (s *NopAuditSink) Record(_ context.Context, _ SinkEvent) error { return nil }

// Flush is a no-op.
func (s *NopAuditSink) Flush(_ context.Context) error { return nil }

var _ AuditSink = (*NopAuditSink)(nil)
