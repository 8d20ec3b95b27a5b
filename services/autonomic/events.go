// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"sync"
	"time"
)

// EventKind classifies a lifecycle event.
type EventKind string

const (
	EventIncidentOpened   EventKind = "incident_opened"
	EventIncidentUpdated  EventKind = "incident_updated"
	EventIncidentResolved EventKind = "incident_resolved"
	EventIncidentEscalate EventKind = "incident_escalated"
	EventHealStarted      EventKind = "heal_started"
	EventHealFinished     EventKind = "heal_finished"
)

// BusEvent is one published lifecycle event.
type BusEvent struct {
	// Kind classifies the event.
	Kind EventKind `json:"kind"`

	// IncidentID is the subject incident.
	IncidentID string `json:"incident_id"`

	// Component is the affected component.
	Component string `json:"component"`

	// RuleID is the rule involved, when applicable.
	RuleID string `json:"rule_id,omitempty"`

	// State is the incident's state after the event.
	State IncidentState `json:"state,omitempty"`

	// Detail carries a free-form message.
	Detail string `json:"detail,omitempty"`

	// At is when the event was published.
	At time.Time `json:"at"`
}

// EventBus fans lifecycle events out to subscribers.
//
// # Description
//
// Publish never blocks: each subscriber has a bounded buffer, and when
// a subscriber falls behind, its oldest buffered event is dropped to
// make room for the newest. Slow websocket clients therefore see gaps,
// never stall the engine.
//
// # Thread Safety
//
// Safe for concurrent use.
type EventBus struct {
	bufferSize int

	mu   sync.Mutex
	subs map[int]chan BusEvent
	next int
}

// NewEventBus creates a bus. bufferSize <= 0 defaults to 64.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		bufferSize: bufferSize,
		subs:       make(map[int]chan BusEvent),
	}
}

// Subscribe registers a subscriber. The returned cancel function
// removes it and closes the channel.
func (b *EventBus) Subscribe() (<-chan BusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan BusEvent, b.bufferSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, dropping each slow
// subscriber's oldest event when its buffer is full.
func (b *EventBus) Publish(e BusEvent) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		for {
			select {
			case ch <- e:
			default:
				// Buffer full: drop the oldest and retry once.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
