// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status classifies a component's health.
type Status string

const (
	// StatusHealthy means the probe succeeded.
	StatusHealthy Status = "healthy"

	// StatusDegraded means the probe succeeded but reported degradation
	// (slow response, partial capacity).
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means the probe failed or timed out.
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one component's health.
//
// Implementations must respect the context deadline; the checker
// enforces a per-probe timeout and records a timeout as unhealthy.
type Probe interface {
	// Name returns the component name (validated service-name form).
	Name() string

	// Check probes the component. A nil error means healthy. A
	// DegradedError marks the component degraded rather than down.
	Check(ctx context.Context) error
}

// DegradedError marks a probe result as degraded rather than unhealthy.
type DegradedError struct {
	Reason string
}

// Error returns the degradation reason.
func (e *DegradedError) Error() string { return e.Reason }

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	// ProbeName is the component name.
	ProbeName string

	// Fn performs the check.
	Fn func(ctx context.Context) error
}

// Name returns the component name.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Check runs the probe function.
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// ComponentHealth is one component's latest probe result.
type ComponentHealth struct {
	// Name is the component name.
	Name string `json:"name"`

	// Status is the classified result.
	Status Status `json:"status"`

	// Error is the probe error message, empty when healthy.
	Error string `json:"error,omitempty"`

	// Latency is how long the probe took.
	Latency time.Duration `json:"latency_ns"`

	// CheckedAt is when the probe ran.
	CheckedAt time.Time `json:"checked_at"`

	// ConsecutiveFailures counts probe failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// HealthSnapshot is a point-in-time view of all registered components.
//
// The autonomic engine consumes snapshots to detect incidents; heal rule
// conditions are expressed over this type.
type HealthSnapshot struct {
	// TakenAt is when the snapshot was assembled.
	TakenAt time.Time `json:"taken_at"`

	// Components maps component name to its latest result.
	Components map[string]ComponentHealth `json:"components"`
}

// Overall returns the worst status across all components.
// An empty snapshot is healthy.
func (s HealthSnapshot) Overall() Status {
	overall := StatusHealthy
	for _, c := range s.Components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Component returns the named component's health and whether it exists.
func (s HealthSnapshot) Component(name string) (ComponentHealth, bool) {
	c, ok := s.Components[name]
	return c, ok
}

// HealthCheckerConfig configures snapshot behavior.
type HealthCheckerConfig struct {
	// ProbeTimeout bounds each individual probe. Default: 5s.
	ProbeTimeout time.Duration

	// CacheTTL is how long a snapshot is served from cache before
	// probes re-run. Default: 10s. Zero disables caching.
	CacheTTL time.Duration
}

// DefaultHealthCheckerConfig returns production defaults.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		ProbeTimeout: 5 * time.Second,
		CacheTTL:     10 * time.Second,
	}
}

// HealthChecker aggregates component probes into snapshots.
//
// # Thread Safety
//
// Safe for concurrent use. Probes run concurrently within a snapshot;
// concurrent Snapshot calls within the cache TTL share one result.
type HealthChecker struct {
	config HealthCheckerConfig

	mu       sync.Mutex
	probes   []Probe
	failures map[string]int
	cached   *HealthSnapshot
	cachedAt time.Time
}

// NewHealthChecker creates a HealthChecker with the given config.
func NewHealthChecker(config HealthCheckerConfig) *HealthChecker {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	return &HealthChecker{
		config:   config,
		failures: make(map[string]int),
	}
}

// Register adds a probe. Later registrations with the same name replace
// earlier ones.
func (h *HealthChecker) Register(p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.probes {
		if existing.Name() == p.Name() {
			h.probes[i] = p
			return
		}
	}
	h.probes = append(h.probes, p)
}

// ProbeNames returns the registered component names, sorted.
func (h *HealthChecker) ProbeNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.probes))
	for _, p := range h.probes {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return names
}

// Snapshot runs all probes (or serves the cached result within the TTL)
// and returns the assembled snapshot.
//
// Description:
//
//	Each probe runs in its own goroutine with the configured timeout.
//	A probe timing out or returning an error marks its component
//	unhealthy; a DegradedError marks it degraded. Consecutive failure
//	counts persist across snapshots until a success resets them.
//
// Inputs:
//
//	ctx - Context for cancellation.
//
// Outputs:
//
//	HealthSnapshot - The assembled snapshot (possibly cached).
func (h *HealthChecker) Snapshot(ctx context.Context) HealthSnapshot {
	h.mu.Lock()
	if h.cached != nil && h.config.CacheTTL > 0 && time.Since(h.cachedAt) < h.config.CacheTTL {
		snap := *h.cached
		h.mu.Unlock()
		return snap
	}
	probes := make([]Probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.Unlock()

	type result struct {
		name    string
		err     error
		latency time.Duration
	}

	results := make(chan result, len(probes))
	for _, p := range probes {
		go func(p Probe) {
			probeCtx, cancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := p.Check(probeCtx)
			results <- result{name: p.Name(), err: err, latency: time.Since(start)}
		}(p)
	}

	snap := HealthSnapshot{
		TakenAt:    time.Now(),
		Components: make(map[string]ComponentHealth, len(probes)),
	}

	for range probes {
		r := <-results
		ch := ComponentHealth{
			Name:      r.name,
			Status:    StatusHealthy,
			Latency:   r.latency,
			CheckedAt: time.Now(),
		}
		if r.err != nil {
			if _, degraded := r.err.(*DegradedError); degraded {
				ch.Status = StatusDegraded
			} else {
				ch.Status = StatusUnhealthy
			}
			ch.Error = r.err.Error()
		}
		snap.Components[r.name] = ch
	}

	h.mu.Lock()
	for name, ch := range snap.Components {
		if ch.Status == StatusHealthy {
			h.failures[name] = 0
		} else {
			h.failures[name]++
		}
		ch.ConsecutiveFailures = h.failures[name]
		snap.Components[name] = ch
	}
	h.cached = &snap
	h.cachedAt = time.Now()
	h.mu.Unlock()

	return snap
}

// Invalidate drops the cached snapshot so the next Snapshot re-probes.
func (h *HealthChecker) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cached = nil
}
