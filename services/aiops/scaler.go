// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aiops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/KodiakOps/KodiakStack/services/compliance"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// ScaleTarget is something whose replica count can be adjusted.
type ScaleTarget interface {
	// TargetName returns the target's service name.
	TargetName() string

	// Replicas returns the current replica count.
	Replicas(ctx context.Context) (int, error)

	// Scale sets the replica count.
	Scale(ctx context.Context, replicas int) error
}

// LocalTarget is an in-process ScaleTarget holding a replica counter.
// The open-source default; real orchestrator targets plug in through
// the same interface.
type LocalTarget struct {
	// Name is the service name.
	Name string

	mu       sync.Mutex
	replicas int
}

// NewLocalTarget creates a LocalTarget with an initial replica count.
func NewLocalTarget(name string, replicas int) *LocalTarget {
	return &LocalTarget{Name: name, replicas: replicas}
}

// TargetName returns the service name.
func (t *LocalTarget) TargetName() string { return t.Name }

// Replicas returns the current count.
func (t *LocalTarget) Replicas(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replicas, nil
}

// Scale sets the count.
func (t *LocalTarget) Scale(_ context.Context, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("negative replica count %d", replicas)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas = replicas
	return nil
}

// AutoScalerConfig configures an AutoScaler.
type AutoScalerConfig struct {
	// Interval between evaluations. Default: 30s.
	Interval time.Duration

	// Horizon is how far ahead the forecast projects. Default: 2m.
	Horizon time.Duration

	// Policy drives decisions. Required, validated.
	Policy *ScalingPolicy

	// Collector supplies metric windows. Required.
	Collector *Collector

	// Target is what gets scaled. Required.
	Target ScaleTarget

	// Audit records every non-hold decision. Optional.
	Audit *compliance.AuditLogger

	// Metrics records decision counters and the target gauge. Optional.
	Metrics *monitor.Metrics

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// AutoScaler evaluates the scaling policy on an interval and applies
// decisions to the target.
//
// # Thread Safety
//
// Run is single-use; Evaluate may be called concurrently with Run only
// from tests that do not start Run.
type AutoScaler struct {
	config     AutoScalerConfig
	forecaster *Forecaster
	logger     *slog.Logger
	history    *Ring[ScalingDecision]

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// ScalerStatus is a point-in-time view of the scaler for the API.
type ScalerStatus struct {
	// Target is the scaled service's name.
	Target string `json:"target"`

	// Replicas is the current replica count.
	Replicas int `json:"replicas"`

	// Metric is the policy's driving metric.
	Metric string `json:"metric"`

	// MinReplicas and MaxReplicas are the policy clamps.
	MinReplicas int `json:"min_replicas"`
	MaxReplicas int `json:"max_replicas"`

	// LastDecision is the most recent evaluation, if any.
	LastDecision *ScalingDecision `json:"last_decision,omitempty"`
}

// NewAutoScaler builds an AutoScaler.
func NewAutoScaler(config AutoScalerConfig) (*AutoScaler, error) {
	if config.Policy == nil {
		return nil, errors.New("policy is required")
	}
	if err := config.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if config.Collector == nil {
		return nil, errors.New("collector is required")
	}
	if config.Target == nil {
		return nil, errors.New("target is required")
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Horizon <= 0 {
		config.Horizon = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &AutoScaler{
		config:     config,
		forecaster: NewForecaster(),
		logger:     config.Logger,
		history:    NewRing[ScalingDecision](128),
		done:       make(chan struct{}),
	}, nil
}

// Status returns the scaler's current state for the API.
func (a *AutoScaler) Status(ctx context.Context) (ScalerStatus, error) {
	replicas, err := a.config.Target.Replicas(ctx)
	if err != nil {
		return ScalerStatus{}, fmt.Errorf("read replicas: %w", err)
	}
	status := ScalerStatus{
		Target:      a.config.Target.TargetName(),
		Replicas:    replicas,
		Metric:      a.config.Policy.Metric,
		MinReplicas: a.config.Policy.MinReplicas,
		MaxReplicas: a.config.Policy.MaxReplicas,
	}
	if last, ok := a.history.Last(); ok {
		status.LastDecision = &last
	}
	return status, nil
}

// Decisions returns recent decisions, oldest first.
func (a *AutoScaler) Decisions() []ScalingDecision {
	return a.history.Snapshot()
}

// Evaluate runs one policy evaluation and applies the decision.
//
// Description:
//
//	Reads the metric window, forecasts the horizon (falling back to
//	the observed value while the window is short), asks the policy for
//	a decision, and on up/down calls the target and records the
//	decision to the audit log and metrics.
//
// Outputs:
//
//	ScalingDecision - The decision made this round.
//	error - Non-nil when the window read or the target call fails.
func (a *AutoScaler) Evaluate(ctx context.Context) (ScalingDecision, error) {
	policy := a.config.Policy

	window, err := a.config.Collector.Window(policy.Metric)
	if err != nil {
		return ScalingDecision{}, err
	}
	if len(window) == 0 {
		return ScalingDecision{Direction: DirectionHold, Metric: policy.Metric, Reason: "no samples yet"}, nil
	}
	observed := window[len(window)-1].Value

	predicted, err := a.forecaster.Forecast(window, a.config.Horizon)
	if err != nil {
		if !errors.Is(err, ErrInsufficientData) {
			return ScalingDecision{}, err
		}
		predicted = observed
	}

	current, err := a.config.Target.Replicas(ctx)
	if err != nil {
		return ScalingDecision{}, fmt.Errorf("read replicas: %w", err)
	}

	decision := policy.Decide(current, observed, predicted, time.Now().UTC())
	a.history.Push(decision)
	if decision.Direction == DirectionHold {
		return decision, nil
	}

	if err := a.config.Target.Scale(ctx, decision.TargetReplicas); err != nil {
		a.record(ctx, decision, err)
		return decision, fmt.Errorf("scale %s to %d: %w",
			a.config.Target.TargetName(), decision.TargetReplicas, err)
	}

	a.logger.Info("scaling decision applied",
		"target", a.config.Target.TargetName(),
		"direction", decision.Direction,
		"replicas", decision.TargetReplicas,
		"reason", decision.Reason)
	a.record(ctx, decision, nil)
	return decision, nil
}

// record writes the decision to audit and metrics. Failures are logged.
func (a *AutoScaler) record(ctx context.Context, d ScalingDecision, scaleErr error) {
	if a.config.Metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("target", a.config.Target.TargetName()),
			attribute.String("direction", string(d.Direction)),
		)
		a.config.Metrics.ScalingDecisionsTotal.Add(ctx, 1, attrs)
		a.config.Metrics.ScalingTargetReplicas.Record(ctx, int64(d.TargetReplicas),
			metric.WithAttributes(attribute.String("target", a.config.Target.TargetName())))
	}

	if a.config.Audit == nil {
		return
	}
	outcome := "success"
	if scaleErr != nil {
		outcome = "failure"
	}
	details := map[string]any{
		"direction":        string(d.Direction),
		"current_replicas": d.CurrentReplicas,
		"target_replicas":  d.TargetReplicas,
		"metric":           d.Metric,
		"observed":         d.Observed,
		"predicted":        d.Predicted,
		"reason":           d.Reason,
	}
	if scaleErr != nil {
		details["error"] = scaleErr.Error()
	}
	_, err := a.config.Audit.Append(ctx, compliance.Event{
		EventType: compliance.EventScalingDecision,
		Actor:     "aiops-scaler",
		Action:    "scale-" + string(d.Direction),
		Target:    a.config.Target.TargetName(),
		Outcome:   outcome,
		Details:   details,
	})
	if err != nil {
		a.logger.Warn("scaling audit failed", "error", err)
	}
}

// Run evaluates on the configured interval until the context is
// canceled or Stop is called.
func (a *AutoScaler) Run(ctx context.Context) {
	a.wg.Add(1)
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			if _, err := a.Evaluate(ctx); err != nil {
				a.logger.Warn("scaling evaluation failed", "error", err)
			}
		}
	}
}

// Stop terminates Run and waits for the loop to exit.
func (a *AutoScaler) Stop() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}
