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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
	"github.com/KodiakOps/KodiakStack/services/compliance"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// Engine states reported by the kodiak_engine_state gauge.
const (
	EngineIdle int64 = iota
	EngineHealing
	EngineOptimizing
)

// healingHolder tags the engine's coordination lease.
const healingHolder = "healing-loop"

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	// Interval between healing cycles. Default: 15s.
	Interval time.Duration

	// ActionTimeout bounds one heal action. Default: 60s.
	ActionTimeout time.Duration

	// ActionRate caps heal actions per second across all rules.
	// Default: 1/s with burst 3.
	ActionRate rate.Limit
	ActionBurst int

	// Health supplies component snapshots. Required.
	Health *monitor.HealthChecker

	// Rules is the heal rule registry. Required.
	Rules *Registry

	// Incidents journals incident state. Required.
	Incidents *IncidentStore

	// Budget throttles attempts. Nil gets defaults.
	Budget *RetryBudget

	// Scorer ranks candidate rules. Nil gets defaults.
	Scorer *DecisionScorer

	// Coordinator serializes healing against optimization. Required.
	Coordinator *Coordinator

	// Clock supplies sanity-checked time. Nil gets the default clock.
	Clock Clock

	// Bus publishes lifecycle events. Nil disables publishing.
	Bus *EventBus

	// Advisor summarizes incidents for escalations. Nil degrades to
	// mechanical summaries.
	Advisor *Advisor

	// Audit records every action and escalation. Optional.
	Audit *compliance.AuditLogger

	// Metrics records heal counters. Optional.
	Metrics *monitor.Metrics

	// Notifier receives escalations. Nil gets the nop notifier.
	Notifier extensions.Notifier

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Engine is the self-healing loop.
//
// # Description
//
// Each cycle: acquire the coordination lease, snapshot health, open
// incidents for faulted components, and drive every open incident
// through the state machine — rank candidate rules by priority then
// scorer confidence, execute the best allowed candidate under the rate
// limit and retry budget, verify, and feed the outcome back to the
// scorer. Incidents whose candidates are exhausted escalate through
// the notifier. Every action and escalation is audited.
//
// # Thread Safety
//
// Run is single-use. Cycle must not be called concurrently with a
// running loop.
type Engine struct {
	config EngineConfig
	logger *slog.Logger

	limiter *rate.Limiter
	state   atomic.Int64

	mu       sync.Mutex
	lastExec map[string]time.Time // rule|component -> last execution

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewEngine builds an Engine.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Health == nil {
		return nil, errors.New("health checker is required")
	}
	if config.Rules == nil {
		return nil, errors.New("rule registry is required")
	}
	if config.Incidents == nil {
		return nil, errors.New("incident store is required")
	}
	if config.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.ActionTimeout <= 0 {
		config.ActionTimeout = 60 * time.Second
	}
	if config.ActionRate <= 0 {
		config.ActionRate = rate.Limit(1)
	}
	if config.ActionBurst <= 0 {
		config.ActionBurst = 3
	}
	if config.Budget == nil {
		config.Budget = NewRetryBudget()
	}
	if config.Scorer == nil {
		config.Scorer = NewDecisionScorer()
	}
	if config.Clock == nil {
		config.Clock = NewClock()
	}
	if config.Notifier == nil {
		config.Notifier = &extensions.NopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Engine{
		config:   config,
		logger:   config.Logger,
		limiter:  rate.NewLimiter(config.ActionRate, config.ActionBurst),
		lastExec: make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// State returns the current engine state for the metrics gauge.
func (e *Engine) State() int64 { return e.state.Load() }

// Run executes healing cycles on the configured interval until the
// context is canceled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			if err := e.Cycle(ctx); err != nil {
				e.logger.Warn("healing cycle failed", "error", err)
			}
		}
	}
}

// Stop terminates Run and waits for the loop to exit.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
}

// Cycle runs one healing pass.
func (e *Engine) Cycle(ctx context.Context) error {
	if _, err := e.config.Coordinator.TryAcquire(healingHolder); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			e.logger.Debug("healing cycle skipped, lease held elsewhere")
			return nil
		}
		return err
	}
	defer func() {
		if err := e.config.Coordinator.Release(healingHolder); err != nil {
			e.logger.Warn("lease release failed", "error", err)
		}
	}()

	e.state.Store(EngineHealing)
	defer e.state.Store(EngineIdle)

	now, err := e.config.Clock.Now()
	if err != nil {
		return fmt.Errorf("skip cycle: %w", err)
	}

	e.config.Health.Invalidate()
	snap := e.config.Health.Snapshot(ctx)

	for name, component := range snap.Components {
		if component.Status == monitor.StatusHealthy {
			continue
		}
		e.detect(name, component, now)
	}

	for _, component := range snap.Components {
		inc, ok := e.config.Incidents.Active(component.Name)
		if !ok {
			continue
		}
		if err := e.handle(ctx, inc, component, now); err != nil {
			e.logger.Warn("incident handling failed",
				"incident", inc.ID, "component", inc.Component, "error", err)
		}
	}
	return nil
}

// detect opens an incident for a faulted component.
func (e *Engine) detect(name string, component monitor.ComponentHealth, now time.Time) {
	severity := 1
	if component.Status == monitor.StatusUnhealthy {
		severity = 2
	}
	if component.ConsecutiveFailures >= 3 {
		severity = 3
	}

	inc, created, err := e.config.Incidents.Open(name, component.Error, severity, now)
	if err != nil {
		e.logger.Warn("incident open failed", "component", name, "error", err)
		return
	}
	if !created {
		return
	}

	e.logger.Info("incident detected",
		"incident", inc.ID, "component", name, "severity", severity, "reason", component.Error)
	if e.config.Metrics != nil {
		e.config.Metrics.IncidentsActive.Add(context.Background(), 1)
	}
	e.publish(BusEvent{
		Kind:       EventIncidentOpened,
		IncidentID: inc.ID,
		Component:  name,
		State:      inc.State,
		Detail:     component.Error,
	})
}

// handle drives one incident through a cycle.
func (e *Engine) handle(ctx context.Context, inc *Incident, component monitor.ComponentHealth, now time.Time) error {
	// A healthy component with an open incident means a previous heal
	// (or outside intervention) worked between cycles. This covers both
	// fresh incidents and ones already diagnosed, so a component that
	// recovers after a failed attempt resolves instead of escalating.
	if component.Status == monitor.StatusHealthy &&
		(inc.State == StateDetected || inc.State == StateDiagnosing) {
		if inc.State == StateDetected {
			if err := e.config.Incidents.Transition(inc, StateDiagnosing, "component recovered externally", now); err != nil {
				return err
			}
		}
		if err := e.config.Incidents.Transition(inc, StateHealing, "no-op heal", now); err != nil {
			return err
		}
		if err := e.config.Incidents.Transition(inc, StateVerifying, "no-op verify", now); err != nil {
			return err
		}
		return e.resolve(ctx, inc, "recovered without intervention", now)
	}

	if inc.State == StateDetected {
		if err := e.config.Incidents.Transition(inc, StateDiagnosing, "ranking candidate rules", now); err != nil {
			return err
		}
		e.publish(BusEvent{Kind: EventIncidentUpdated, IncidentID: inc.ID, Component: inc.Component, State: inc.State})
	}
	if inc.State != StateDiagnosing {
		return nil
	}

	rule, verdict := e.selectRule(inc, component, now)
	switch verdict {
	case VerdictAllow:
		return e.execute(ctx, inc, rule, now)
	case VerdictBackoff, VerdictSaturated:
		// Try again next cycle.
		return nil
	default:
		return e.escalate(ctx, inc, now)
	}
}

// selectRule picks the best candidate allowed to run now.
//
// Candidates come pre-sorted by priority; within the allowed set the
// scorer breaks ties and the first allowed candidate wins. Rules in
// cooldown or out of budget are skipped (never executed), and when
// every candidate is exhausted the verdict is VerdictExhausted.
func (e *Engine) selectRule(inc *Incident, component monitor.ComponentHealth, now time.Time) (HealRule, Verdict) {
	candidates := e.config.Rules.Candidates(component)
	if len(candidates) == 0 {
		return HealRule{}, VerdictExhausted
	}

	type scored struct {
		rule  HealRule
		score float64
	}
	var runnable []scored
	sawBackoff := false

	for _, rule := range candidates {
		if e.inCooldown(rule, inc.Component, now) {
			sawBackoff = true
			continue
		}
		verdict, _ := e.config.Budget.Allow(rule.ID, inc.Component, rule.MaxAttempts, now)
		switch verdict {
		case VerdictAllow:
			runnable = append(runnable, scored{rule: rule, score: e.score(inc, rule)})
		case VerdictBackoff:
			sawBackoff = true
		case VerdictSaturated:
			return HealRule{}, VerdictSaturated
		case VerdictExhausted:
			// Move on to the next candidate.
		}
	}

	if len(runnable) == 0 {
		if sawBackoff {
			return HealRule{}, VerdictBackoff
		}
		return HealRule{}, VerdictExhausted
	}

	best := runnable[0]
	for _, c := range runnable[1:] {
		if c.rule.Priority == best.rule.Priority && c.score > best.score {
			best = c
		}
	}
	return best.rule, VerdictAllow
}

// score computes the scorer confidence for an (incident, rule) pair.
func (e *Engine) score(inc *Incident, rule HealRule) float64 {
	recurrence := float64(len(inc.AttemptedRules)) / 5.0
	blast := 0.2 * float64(rule.Priority%5) // Higher-priority rules tend to be targeted.
	return e.config.Scorer.Score(Features{
		Severity:        float64(inc.Severity) / 3.0,
		Recurrence:      recurrence,
		RuleSuccessRate: e.config.Scorer.SuccessRate(rule.ID),
		BlastRadius:     blast,
	})
}

// inCooldown reports whether the rule ran against the component too
// recently.
func (e *Engine) inCooldown(rule HealRule, component string, now time.Time) bool {
	if rule.Cooldown <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastExec[budgetKey(rule.ID, component)]
	return ok && now.Sub(last) < rule.Cooldown
}

// execute runs one heal attempt: transition to healing, act under the
// rate limit, verify, and settle the incident.
func (e *Engine) execute(ctx context.Context, inc *Incident, rule HealRule, now time.Time) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	if err := e.config.Incidents.Transition(inc, StateHealing, "executing "+rule.ID, now); err != nil {
		return err
	}
	if err := e.config.Incidents.RecordAttempt(inc, rule.ID); err != nil {
		return err
	}
	e.config.Budget.Begin(rule.ID, inc.Component, now)
	e.mu.Lock()
	e.lastExec[budgetKey(rule.ID, inc.Component)] = now
	e.mu.Unlock()

	e.publish(BusEvent{Kind: EventHealStarted, IncidentID: inc.ID, Component: inc.Component, RuleID: rule.ID, State: inc.State})
	e.logger.Info("heal action starting", "incident", inc.ID, "rule", rule.ID, "component", inc.Component)

	start := time.Now()
	actionCtx, cancel := context.WithTimeout(ctx, e.config.ActionTimeout)
	actionErr := rule.Action(actionCtx, inc)
	cancel()

	if err := e.config.Incidents.Transition(inc, StateVerifying, "verifying "+rule.ID, now); err != nil {
		e.config.Budget.End(rule.ID, inc.Component, false)
		return err
	}

	verifyErr := actionErr
	if actionErr == nil {
		verifyErr = e.verify(ctx, inc, rule)
	}
	success := verifyErr == nil

	e.config.Budget.End(rule.ID, inc.Component, success)
	e.observe(inc, rule, success)
	e.recordAction(ctx, inc, rule, time.Since(start), actionErr, verifyErr)
	e.publish(BusEvent{Kind: EventHealFinished, IncidentID: inc.ID, Component: inc.Component, RuleID: rule.ID, State: inc.State, Detail: outcomeString(success)})

	if success {
		return e.resolve(ctx, inc, "verified by "+rule.ID, now)
	}

	e.logger.Warn("heal action failed",
		"incident", inc.ID, "rule", rule.ID, "error", verifyErr)
	// Back to diagnosing; the next cycle re-ranks with updated budget
	// and scorer state, or escalates once everything is exhausted.
	return e.config.Incidents.Transition(inc, StateDiagnosing, "verification failed: "+verifyErr.Error(), now)
}

// verify runs the rule's verify hook, falling back to a fresh health
// probe of the component.
func (e *Engine) verify(ctx context.Context, inc *Incident, rule HealRule) error {
	if rule.Verify != nil {
		return rule.Verify(ctx, inc)
	}

	e.config.Health.Invalidate()
	snap := e.config.Health.Snapshot(ctx)
	component, ok := snap.Component(inc.Component)
	if !ok {
		return fmt.Errorf("component %q has no probe", inc.Component)
	}
	if component.Status == monitor.StatusUnhealthy {
		return fmt.Errorf("component %q still unhealthy: %s", inc.Component, component.Error)
	}
	return nil
}

// observe feeds the verified outcome to the scorer.
func (e *Engine) observe(inc *Incident, rule HealRule, success bool) {
	e.config.Scorer.Observe(rule.ID, Features{
		Severity:        float64(inc.Severity) / 3.0,
		Recurrence:      float64(len(inc.AttemptedRules)) / 5.0,
		RuleSuccessRate: e.config.Scorer.SuccessRate(rule.ID),
		BlastRadius:     0.2 * float64(rule.Priority%5),
	}, success)
}

// resolve closes an incident as healed.
func (e *Engine) resolve(ctx context.Context, inc *Incident, note string, now time.Time) error {
	if err := e.config.Incidents.Transition(inc, StateResolved, note, now); err != nil {
		return err
	}
	e.logger.Info("incident resolved", "incident", inc.ID, "component", inc.Component, "note", note)
	if e.config.Metrics != nil {
		e.config.Metrics.IncidentsActive.Add(ctx, -1)
	}
	e.publish(BusEvent{Kind: EventIncidentResolved, IncidentID: inc.ID, Component: inc.Component, State: StateResolved, Detail: note})
	return nil
}

// escalate hands an incident to humans after automation is exhausted.
func (e *Engine) escalate(ctx context.Context, inc *Incident, now time.Time) error {
	if err := e.config.Incidents.Transition(inc, StateEscalated, "heal candidates exhausted", now); err != nil {
		return err
	}

	summary := e.config.Advisor.Summarize(ctx, inc)
	e.logger.Error("incident escalated",
		"incident", inc.ID, "component", inc.Component, "attempts", len(inc.AttemptedRules))

	if e.config.Metrics != nil {
		e.config.Metrics.IncidentsActive.Add(ctx, -1)
		e.config.Metrics.EscalationsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("component", inc.Component)))
	}

	err := e.config.Notifier.Notify(ctx, extensions.Escalation{
		IncidentID:     inc.ID,
		Target:         inc.Component,
		Severity:       fmt.Sprintf("sev-%d", inc.Severity),
		Reason:         inc.Reason,
		AttemptedRules: inc.AttemptedRules,
		Summary:        summary,
		OccurredAt:     now,
	})
	if err != nil {
		e.logger.Warn("escalation notify failed", "incident", inc.ID, "error", err)
	}

	e.auditEvent(ctx, compliance.Event{
		EventType: compliance.EventEscalation,
		Actor:     "autonomic-engine",
		Action:    "escalate",
		Target:    inc.Component,
		Outcome:   "escalated",
		Details: map[string]any{
			"incident_id":     inc.ID,
			"severity":        inc.Severity,
			"attempted_rules": inc.AttemptedRules,
			"summary":         summary,
		},
	})
	e.publish(BusEvent{Kind: EventIncidentEscalate, IncidentID: inc.ID, Component: inc.Component, State: StateEscalated, Detail: summary})
	return nil
}

// recordAction writes the heal attempt to audit and metrics.
func (e *Engine) recordAction(ctx context.Context, inc *Incident, rule HealRule, took time.Duration, actionErr, verifyErr error) {
	outcome := "success"
	if verifyErr != nil {
		outcome = "failure"
	}

	if e.config.Metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("rule", rule.ID),
			attribute.String("outcome", outcome),
		)
		e.config.Metrics.HealActionsTotal.Add(ctx, 1, attrs)
		e.config.Metrics.HealActionDuration.Record(ctx, took.Seconds(),
			metric.WithAttributes(attribute.String("rule", rule.ID)))
	}

	details := map[string]any{
		"incident_id": inc.ID,
		"duration_ms": took.Milliseconds(),
	}
	if actionErr != nil {
		details["action_error"] = actionErr.Error()
	} else if verifyErr != nil {
		details["verify_error"] = verifyErr.Error()
	}
	e.auditEvent(ctx, compliance.Event{
		EventType: compliance.EventHealAction,
		Actor:     "autonomic-engine",
		Action:    rule.ID,
		Target:    inc.Component,
		Outcome:   outcome,
		Details:   details,
	})
}

// auditEvent appends to the audit log, logging failures.
func (e *Engine) auditEvent(ctx context.Context, event compliance.Event) {
	if e.config.Audit == nil {
		return
	}
	if _, err := e.config.Audit.Append(ctx, event); err != nil {
		e.logger.Warn("heal audit failed", "error", err)
	}
}

// publish emits a bus event when a bus is configured.
func (e *Engine) publish(event BusEvent) {
	if e.config.Bus != nil {
		e.config.Bus.Publish(event)
	}
}

func outcomeString(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
