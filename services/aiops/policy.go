// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aiops

import (
	"fmt"
	"time"
)

// Direction is a scaling decision's direction.
type Direction string

const (
	// DirectionUp adds replicas.
	DirectionUp Direction = "up"

	// DirectionDown removes replicas.
	DirectionDown Direction = "down"

	// DirectionHold leaves the replica count unchanged.
	DirectionHold Direction = "hold"
)

// ScalingDecision is the outcome of one policy evaluation.
type ScalingDecision struct {
	// Direction is up, down, or hold.
	Direction Direction `json:"direction"`

	// CurrentReplicas is the replica count at decision time.
	CurrentReplicas int `json:"current_replicas"`

	// TargetReplicas is the desired count. Equals CurrentReplicas on
	// hold.
	TargetReplicas int `json:"target_replicas"`

	// Metric is the driving metric name.
	Metric string `json:"metric"`

	// Observed and Predicted are the values the decision was based on.
	Observed  float64 `json:"observed"`
	Predicted float64 `json:"predicted"`

	// Reason explains the decision.
	Reason string `json:"reason"`

	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}

// ScalingPolicy decides replica counts from observed and predicted
// metric values.
//
// # Description
//
// Scale-up triggers when either the observed or the predicted value
// crosses ScaleUpThreshold; acting on the prediction gets capacity in
// place before the load arrives. Scale-down triggers only on the
// observed value, and only when it sits below ScaleDownThreshold by
// more than the hysteresis band, so the policy does not flap around
// the threshold. A cooldown after each non-hold decision suppresses
// further changes.
//
// # Thread Safety
//
// Not safe for concurrent use; the scaler loop owns the policy.
type ScalingPolicy struct {
	// Metric is the driving metric name.
	Metric string

	// ScaleUpThreshold and ScaleDownThreshold bound the target band.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// Hysteresis widens the scale-down threshold to prevent flapping.
	Hysteresis float64

	// Cooldown suppresses decisions after a scale event.
	Cooldown time.Duration

	// MinReplicas and MaxReplicas clamp the target.
	MinReplicas int
	MaxReplicas int

	// Step is how many replicas one decision adds or removes.
	// Default: 1.
	Step int

	lastScale time.Time
}

// Validate checks the policy's internal consistency.
func (p *ScalingPolicy) Validate() error {
	if p.Metric == "" {
		return fmt.Errorf("policy metric is required")
	}
	if p.MinReplicas < 0 || p.MaxReplicas < p.MinReplicas {
		return fmt.Errorf("invalid replica bounds [%d, %d]", p.MinReplicas, p.MaxReplicas)
	}
	if p.ScaleDownThreshold >= p.ScaleUpThreshold {
		return fmt.Errorf("scale-down threshold %.2f must be below scale-up threshold %.2f",
			p.ScaleDownThreshold, p.ScaleUpThreshold)
	}
	if p.Hysteresis < 0 {
		return fmt.Errorf("hysteresis must be non-negative")
	}
	return nil
}

// Decide evaluates the policy.
//
// Inputs:
//
//	current - Current replica count.
//	observed - Latest observed metric value.
//	predicted - Forecast value, NaN-free; pass observed when no
//	forecast is available.
//	now - Decision time (injected for testability).
//
// Outputs:
//
//	ScalingDecision - The decision. Direction is hold when inside the
//	band, inside cooldown, or already at a bound.
func (p *ScalingPolicy) Decide(current int, observed, predicted float64, now time.Time) ScalingDecision {
	step := p.Step
	if step <= 0 {
		step = 1
	}

	d := ScalingDecision{
		Direction:       DirectionHold,
		CurrentReplicas: current,
		TargetReplicas:  current,
		Metric:          p.Metric,
		Observed:        observed,
		Predicted:       predicted,
		DecidedAt:       now,
	}

	if !p.lastScale.IsZero() && now.Sub(p.lastScale) < p.Cooldown {
		d.Reason = fmt.Sprintf("in cooldown until %s", p.lastScale.Add(p.Cooldown).Format(time.RFC3339))
		return d
	}

	switch {
	case observed >= p.ScaleUpThreshold || predicted >= p.ScaleUpThreshold:
		target := clamp(current+step, p.MinReplicas, p.MaxReplicas)
		if target == current {
			d.Reason = fmt.Sprintf("at max replicas (%d)", p.MaxReplicas)
			return d
		}
		d.Direction = DirectionUp
		d.TargetReplicas = target
		if observed >= p.ScaleUpThreshold {
			d.Reason = fmt.Sprintf("observed %.2f >= %.2f", observed, p.ScaleUpThreshold)
		} else {
			d.Reason = fmt.Sprintf("predicted %.2f >= %.2f", predicted, p.ScaleUpThreshold)
		}
		p.lastScale = now

	case observed < p.ScaleDownThreshold-p.Hysteresis:
		target := clamp(current-step, p.MinReplicas, p.MaxReplicas)
		if target == current {
			d.Reason = fmt.Sprintf("at min replicas (%d)", p.MinReplicas)
			return d
		}
		d.Direction = DirectionDown
		d.TargetReplicas = target
		d.Reason = fmt.Sprintf("observed %.2f < %.2f (threshold %.2f - hysteresis %.2f)",
			observed, p.ScaleDownThreshold-p.Hysteresis, p.ScaleDownThreshold, p.Hysteresis)
		p.lastScale = now

	default:
		d.Reason = "within target band"
	}

	return d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
