// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// captureNotifier records escalations for assertions.
type captureNotifier struct {
	mu          sync.Mutex
	escalations []extensions.Escalation
}

func (n *captureNotifier) Notify(_ context.Context, esc extensions.Escalation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, esc)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.escalations)
}

// testEngineParts assembles an engine around a switchable component.
type testEngineParts struct {
	engine    *Engine
	incidents *IncidentStore
	notifier  *captureNotifier
	clock     *fixedClock
	healthy   *bool
}

func newTestEngine(t *testing.T, rules ...HealRule) *testEngineParts {
	t.Helper()

	healthy := false
	health := monitor.NewHealthChecker(monitor.HealthCheckerConfig{ProbeTimeout: time.Second})
	health.Register(monitor.ProbeFunc{ProbeName: "api-gateway", Fn: func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	}})

	reg := NewRegistry()
	for _, r := range rules {
		require.NoError(t, reg.Register(r))
	}

	incidents, err := NewIncidentStore(testBadger(t))
	require.NoError(t, err)

	clock := NewFixedClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	notifier := &captureNotifier{}

	engine, err := NewEngine(EngineConfig{
		Health:      health,
		Rules:       reg,
		Incidents:   incidents,
		Coordinator: NewCoordinator(time.Minute, clock, nil),
		Clock:       clock,
		Notifier:    notifier,
	})
	require.NoError(t, err)

	return &testEngineParts{
		engine:    engine,
		incidents: incidents,
		notifier:  notifier,
		clock:     clock,
		healthy:   &healthy,
	}
}

func TestEngineHealsIncident(t *testing.T) {
	var parts *testEngineParts
	rule := HealRule{
		ID:          "restart.api-gateway",
		Priority:    10,
		MaxAttempts: 3,
		Condition: func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		},
		Action: func(context.Context, *Incident) error {
			*parts.healthy = true // The restart fixes the component.
			return nil
		},
	}
	parts = newTestEngine(t, rule)

	require.NoError(t, parts.engine.Cycle(context.Background()))

	inc, err := parts.incidents.List("", 0)
	require.NoError(t, err)
	require.Len(t, inc, 1)
	assert.Equal(t, StateResolved, inc[0].State)
	assert.Equal(t, []string{"restart.api-gateway"}, inc[0].AttemptedRules)
	assert.Equal(t, 0, parts.incidents.ActiveCount())
	assert.Zero(t, parts.notifier.count())
}

func TestEngineEscalatesAfterBudgetExhaustion(t *testing.T) {
	rule := HealRule{
		ID:          "restart.api-gateway",
		Priority:    10,
		MaxAttempts: 1,
		Condition: func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		},
		Action: func(context.Context, *Incident) error {
			return errors.New("restart did not help")
		},
	}
	parts := newTestEngine(t, rule)
	ctx := context.Background()

	// Cycle 1: the single attempt runs and fails verification.
	require.NoError(t, parts.engine.Cycle(ctx))
	active, ok := parts.incidents.Active("api-gateway")
	require.True(t, ok)
	assert.Equal(t, StateDiagnosing, active.State)
	assert.Len(t, active.AttemptedRules, 1)

	// Cycle 2: budget exhausted, the incident escalates.
	parts.clock.Advance(30 * time.Second)
	require.NoError(t, parts.engine.Cycle(ctx))

	assert.Equal(t, 0, parts.incidents.ActiveCount())
	require.Equal(t, 1, parts.notifier.count())
	esc := parts.notifier.escalations[0]
	assert.Equal(t, "api-gateway", esc.Target)
	assert.Equal(t, []string{"restart.api-gateway"}, esc.AttemptedRules)
	assert.NotEmpty(t, esc.Summary)
}

func TestEngineResolvesExternalRecoveryAfterFailedAttempt(t *testing.T) {
	rule := HealRule{
		ID:          "restart.api-gateway",
		Priority:    10,
		MaxAttempts: 1,
		Condition: func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		},
		Action: func(context.Context, *Incident) error {
			return errors.New("restart did not help")
		},
	}
	parts := newTestEngine(t, rule)
	ctx := context.Background()

	// Cycle 1: the only attempt fails, the incident stays diagnosed.
	require.NoError(t, parts.engine.Cycle(ctx))
	active, ok := parts.incidents.Active("api-gateway")
	require.True(t, ok)
	assert.Equal(t, StateDiagnosing, active.State)

	// The component recovers on its own (operator restart, upstream
	// fix). The next cycle must resolve, not page.
	*parts.healthy = true
	parts.clock.Advance(30 * time.Second)
	require.NoError(t, parts.engine.Cycle(ctx))

	inc, err := parts.incidents.List("", 0)
	require.NoError(t, err)
	require.Len(t, inc, 1)
	assert.Equal(t, StateResolved, inc[0].State)
	assert.Equal(t, 0, parts.incidents.ActiveCount())
	assert.Zero(t, parts.notifier.count(), "healthy component must not escalate")
}

func TestEngineEscalatesWithNoMatchingRule(t *testing.T) {
	parts := newTestEngine(t) // No rules at all.
	require.NoError(t, parts.engine.Cycle(context.Background()))

	assert.Equal(t, 1, parts.notifier.count())
	assert.Equal(t, 0, parts.incidents.ActiveCount())
}

func TestEngineRespectsCooldown(t *testing.T) {
	attempts := 0
	rule := HealRule{
		ID:          "restart.api-gateway",
		Priority:    10,
		Cooldown:    5 * time.Minute,
		MaxAttempts: 5,
		Condition: func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		},
		Action: func(context.Context, *Incident) error {
			attempts++
			return errors.New("still down")
		},
	}
	parts := newTestEngine(t, rule)
	ctx := context.Background()

	require.NoError(t, parts.engine.Cycle(ctx))
	assert.Equal(t, 1, attempts)

	// Within cooldown (and backoff): the rule must not run again.
	parts.clock.Advance(30 * time.Second)
	require.NoError(t, parts.engine.Cycle(ctx))
	assert.Equal(t, 1, attempts, "rule in cooldown must not execute")

	// Past the cooldown the rule runs again.
	parts.clock.Advance(6 * time.Minute)
	require.NoError(t, parts.engine.Cycle(ctx))
	assert.Equal(t, 2, attempts)
}

func TestEngineSkipsCycleWhenLeaseHeld(t *testing.T) {
	attempts := 0
	rule := HealRule{
		ID:          "restart.api-gateway",
		Priority:    10,
		MaxAttempts: 3,
		Condition: func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		},
		Action: func(context.Context, *Incident) error {
			attempts++
			return nil
		},
	}
	parts := newTestEngine(t, rule)

	// The optimizer holds the lease; healing steps aside.
	_, err := parts.engine.config.Coordinator.TryAcquire(optimizerHolder)
	require.NoError(t, err)

	require.NoError(t, parts.engine.Cycle(context.Background()))
	assert.Zero(t, attempts, "no healing while the lease is held elsewhere")

	require.NoError(t, parts.engine.config.Coordinator.Release(optimizerHolder))
	require.NoError(t, parts.engine.Cycle(context.Background()))
	assert.Equal(t, 1, attempts)
}

func TestEnginePublishesLifecycleEvents(t *testing.T) {
	var parts *testEngineParts
	rule := HealRule{
		ID:          "restart.api-gateway",
		Priority:    10,
		MaxAttempts: 3,
		Condition: func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		},
		Action: func(context.Context, *Incident) error {
			*parts.healthy = true
			return nil
		},
	}
	parts = newTestEngine(t, rule)

	bus := NewEventBus(32)
	parts.engine.config.Bus = bus
	ch, cancel := bus.Subscribe()
	defer cancel()

	require.NoError(t, parts.engine.Cycle(context.Background()))

	var kinds []EventKind
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			continue
		default:
		}
		break
	}
	assert.Contains(t, kinds, EventIncidentOpened)
	assert.Contains(t, kinds, EventHealStarted)
	assert.Contains(t, kinds, EventHealFinished)
	assert.Contains(t, kinds, EventIncidentResolved)
}

func TestSchedulerPass(t *testing.T) {
	db := testBadger(t)
	incidents, err := NewIncidentStore(db)
	require.NoError(t, err)

	old := time.Now().Add(-30 * 24 * time.Hour)
	inc, _, err := incidents.Open("api-gateway", "down", 2, old)
	require.NoError(t, err)
	require.NoError(t, incidents.Transition(inc, StateDiagnosing, "", old))
	require.NoError(t, incidents.Transition(inc, StateEscalated, "", old))

	scorer := NewDecisionScorer()
	scorer.Observe("r.z", Features{}, true)
	scorer.Observe("r.z", Features{}, true)

	sched, err := NewScheduler(SchedulerConfig{
		DB:          db,
		Incidents:   incidents,
		Scorer:      scorer,
		Coordinator: NewCoordinator(time.Minute, NewFixedClock(time.Now()), nil),
	})
	require.NoError(t, err)

	require.NoError(t, sched.Pass(context.Background()))

	_, found, err := incidents.Get(inc.ID)
	require.NoError(t, err)
	assert.False(t, found, "old terminal incident pruned")
}

func TestAdvisorMechanicalFallback(t *testing.T) {
	var a *Advisor // Nil advisor: no API key configured.
	inc := &Incident{
		ID:             "i-1",
		Component:      "api-gateway",
		Severity:       2,
		Reason:         "connection refused",
		State:          StateEscalated,
		AttemptedRules: []string{"restart.api-gateway"},
	}

	summary := a.Summarize(context.Background(), inc)
	assert.Contains(t, summary, "api-gateway")
	assert.Contains(t, summary, "restart.api-gateway")
}
