// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the Kodiak platform.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for HTTP requests,
//	heal actions, scaling decisions, audit writes, and infrastructure
//	operations. All metrics use the "kodiak_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active HTTP requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Autonomic Metrics ---

	// HealActionsTotal counts heal actions by rule and outcome.
	HealActionsTotal metric.Int64Counter

	// HealActionDuration records heal action duration in seconds.
	HealActionDuration metric.Float64Histogram

	// IncidentsActive tracks incidents currently in a non-terminal state.
	IncidentsActive metric.Int64UpDownCounter

	// EscalationsTotal counts escalations to human operators.
	EscalationsTotal metric.Int64Counter

	// EngineState reports the autonomic engine state
	// (0=idle, 1=healing, 2=optimizing).
	EngineState metric.Int64ObservableGauge

	// --- Scaling Metrics ---

	// ScalingDecisionsTotal counts scaling decisions by direction.
	ScalingDecisionsTotal metric.Int64Counter

	// ScalingTargetReplicas records the replica count chosen per decision.
	ScalingTargetReplicas metric.Int64Gauge

	// --- Compliance Metrics ---

	// AuditEventsTotal counts audit events by type.
	AuditEventsTotal metric.Int64Counter

	// AuditChainVerificationsTotal counts chain verifications by result.
	AuditChainVerificationsTotal metric.Int64Counter

	// --- Infra Metrics ---

	// InfraAppliesTotal counts infrastructure applies by status.
	InfraAppliesTotal metric.Int64Counter

	// InfraPlanDuration records plan computation duration in seconds.
	InfraPlanDuration metric.Float64Histogram

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("kodiak")
//	metrics, err := monitor.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.HealActionsTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"kodiak_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"kodiak_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"kodiak_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Autonomic Metrics ---
	m.HealActionsTotal, err = meter.Int64Counter(
		"kodiak_heal_actions_total",
		metric.WithDescription("Total heal actions by rule and outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heal_actions_total: %w", err)
	}

	m.HealActionDuration, err = meter.Float64Histogram(
		"kodiak_heal_action_duration_seconds",
		metric.WithDescription("Heal action duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create heal_action_duration: %w", err)
	}

	m.IncidentsActive, err = meter.Int64UpDownCounter(
		"kodiak_incidents_active",
		metric.WithDescription("Incidents currently in a non-terminal state"),
		metric.WithUnit("{incident}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create incidents_active: %w", err)
	}

	m.EscalationsTotal, err = meter.Int64Counter(
		"kodiak_escalations_total",
		metric.WithDescription("Total escalations to human operators"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create escalations_total: %w", err)
	}

	// Note: EngineState requires a callback registration, handled separately.

	// --- Scaling Metrics ---
	m.ScalingDecisionsTotal, err = meter.Int64Counter(
		"kodiak_scaling_decisions_total",
		metric.WithDescription("Total scaling decisions by direction"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scaling_decisions_total: %w", err)
	}

	m.ScalingTargetReplicas, err = meter.Int64Gauge(
		"kodiak_scaling_target_replicas",
		metric.WithDescription("Replica count chosen by the latest scaling decision"),
		metric.WithUnit("{replica}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scaling_target_replicas: %w", err)
	}

	// --- Compliance Metrics ---
	m.AuditEventsTotal, err = meter.Int64Counter(
		"kodiak_audit_events_total",
		metric.WithDescription("Total audit events by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit_events_total: %w", err)
	}

	m.AuditChainVerificationsTotal, err = meter.Int64Counter(
		"kodiak_audit_chain_verifications_total",
		metric.WithDescription("Total audit chain verifications by result"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit_chain_verifications_total: %w", err)
	}

	// --- Infra Metrics ---
	m.InfraAppliesTotal, err = meter.Int64Counter(
		"kodiak_infra_applies_total",
		metric.WithDescription("Total infrastructure applies by status"),
		metric.WithUnit("{apply}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create infra_applies_total: %w", err)
	}

	m.InfraPlanDuration, err = meter.Float64Histogram(
		"kodiak_infra_plan_duration_seconds",
		metric.WithDescription("Infrastructure plan duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create infra_plan_duration: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"kodiak_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterEngineState registers a callback for the engine state gauge.
//
// Description:
//
//	Sets up an observable gauge that reports the autonomic engine state.
//	The callback is invoked each time metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	stateFunc - Returns the current state (0=idle, 1=healing, 2=optimizing).
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterEngineState(meter metric.Meter, stateFunc func() int64) (metric.Registration, error) {
	var err error
	m.EngineState, err = meter.Int64ObservableGauge(
		"kodiak_engine_state",
		metric.WithDescription("Autonomic engine state (0=idle, 1=healing, 2=optimizing)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine_state: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.EngineState, stateFunc())
		return nil
	}, m.EngineState)
}
