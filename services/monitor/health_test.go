// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHealthCheckerSnapshot(t *testing.T) {
	t.Run("classifies probe results", func(t *testing.T) {
		h := NewHealthChecker(HealthCheckerConfig{ProbeTimeout: time.Second})
		h.Register(ProbeFunc{ProbeName: "healthy-svc", Fn: func(ctx context.Context) error {
			return nil
		}})
		h.Register(ProbeFunc{ProbeName: "degraded-svc", Fn: func(ctx context.Context) error {
			return &DegradedError{Reason: "queue depth high"}
		}})
		h.Register(ProbeFunc{ProbeName: "down-svc", Fn: func(ctx context.Context) error {
			return errors.New("connection refused")
		}})

		snap := h.Snapshot(context.Background())

		if got := snap.Components["healthy-svc"].Status; got != StatusHealthy {
			t.Errorf("healthy-svc status = %s, want %s", got, StatusHealthy)
		}
		if got := snap.Components["degraded-svc"].Status; got != StatusDegraded {
			t.Errorf("degraded-svc status = %s, want %s", got, StatusDegraded)
		}
		if got := snap.Components["down-svc"].Status; got != StatusUnhealthy {
			t.Errorf("down-svc status = %s, want %s", got, StatusUnhealthy)
		}
		if snap.Overall() != StatusUnhealthy {
			t.Errorf("overall = %s, want %s", snap.Overall(), StatusUnhealthy)
		}
	})

	t.Run("probe timeout marks unhealthy", func(t *testing.T) {
		h := NewHealthChecker(HealthCheckerConfig{ProbeTimeout: 20 * time.Millisecond})
		h.Register(ProbeFunc{ProbeName: "slow-svc", Fn: func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}})

		snap := h.Snapshot(context.Background())
		if got := snap.Components["slow-svc"].Status; got != StatusUnhealthy {
			t.Errorf("slow-svc status = %s, want %s", got, StatusUnhealthy)
		}
	})

	t.Run("consecutive failures accumulate and reset", func(t *testing.T) {
		fail := true
		h := NewHealthChecker(HealthCheckerConfig{ProbeTimeout: time.Second})
		h.Register(ProbeFunc{ProbeName: "flappy", Fn: func(ctx context.Context) error {
			if fail {
				return errors.New("down")
			}
			return nil
		}})

		snap := h.Snapshot(context.Background())
		if got := snap.Components["flappy"].ConsecutiveFailures; got != 1 {
			t.Errorf("failures = %d, want 1", got)
		}
		h.Invalidate()
		snap = h.Snapshot(context.Background())
		if got := snap.Components["flappy"].ConsecutiveFailures; got != 2 {
			t.Errorf("failures = %d, want 2", got)
		}

		fail = false
		h.Invalidate()
		snap = h.Snapshot(context.Background())
		if got := snap.Components["flappy"].ConsecutiveFailures; got != 0 {
			t.Errorf("failures = %d, want 0 after success", got)
		}
	})

	t.Run("cache serves repeated snapshots", func(t *testing.T) {
		calls := 0
		h := NewHealthChecker(HealthCheckerConfig{ProbeTimeout: time.Second, CacheTTL: time.Minute})
		h.Register(ProbeFunc{ProbeName: "cached", Fn: func(ctx context.Context) error {
			calls++
			return nil
		}})

		h.Snapshot(context.Background())
		h.Snapshot(context.Background())
		h.Snapshot(context.Background())

		if calls != 1 {
			t.Errorf("probe calls = %d, want 1 (cache should serve repeats)", calls)
		}
	})

	t.Run("register replaces probe with same name", func(t *testing.T) {
		h := NewHealthChecker(DefaultHealthCheckerConfig())
		h.Register(ProbeFunc{ProbeName: "svc", Fn: func(ctx context.Context) error { return errors.New("old") }})
		h.Register(ProbeFunc{ProbeName: "svc", Fn: func(ctx context.Context) error { return nil }})

		snap := h.Snapshot(context.Background())
		if got := snap.Components["svc"].Status; got != StatusHealthy {
			t.Errorf("svc status = %s, want %s (replacement probe)", got, StatusHealthy)
		}
		if len(h.ProbeNames()) != 1 {
			t.Errorf("probe count = %d, want 1", len(h.ProbeNames()))
		}
	})
}

func TestHealthSnapshotOverallEmpty(t *testing.T) {
	snap := HealthSnapshot{Components: map[string]ComponentHealth{}}
	if snap.Overall() != StatusHealthy {
		t.Errorf("empty snapshot overall = %s, want healthy", snap.Overall())
	}
}
