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

// Escalation describes an incident the autonomic engine could not heal.
type Escalation struct {
	// IncidentID identifies the escalated incident.
	IncidentID string

	// Target is the affected service or component.
	Target string

	// Severity is the incident severity at escalation time.
	Severity string

	// Reason explains why automation gave up (budget exhausted,
	// verification failed, no matching rule).
	Reason string

	// AttemptedRules lists the rule IDs tried before escalation.
	AttemptedRules []string

	// Summary is an optional human-readable incident summary (may be
	// produced by the LLM advisor when configured).
	Summary string

	// OccurredAt is when the escalation was raised.
	OccurredAt time.Time
}

// Notifier delivers escalations to humans.
//
// The open source default logs and discards. Enterprise implementations
// page on-call rotations (PagerDuty, Opsgenie) or post to chat systems.
//
// Implementations must be safe for concurrent use and should not block:
// the engine calls Notify from its loop with a short timeout context.
type Notifier interface {
	// Notify delivers one escalation.
	Notify(ctx context.Context, esc Escalation) error
}

// NopNotifier discards escalations.
type NopNotifier struct{}

// Notify discards the escalation.
func (n *NopNotifier) Notify(_ context.Context, _ Escalation) error { return nil }

var _ Notifier = (*NopNotifier)(nil)
