// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"math"
	"sync"
)

// Features are the scorer's inputs for one (incident, rule) pair, each
// normalized to [0, 1].
type Features struct {
	// Severity is the incident severity scaled by the max grade.
	Severity float64

	// Recurrence reflects how often this component has faulted
	// recently.
	Recurrence float64

	// RuleSuccessRate is the rule's recent verified success rate.
	RuleSuccessRate float64

	// BlastRadius estimates how much of the platform the action
	// touches (restart one worker vs. flush a shared cache).
	BlastRadius float64
}

// scorerWeights are the logistic model's parameters.
type scorerWeights struct {
	severity   float64
	recurrence float64
	success    float64
	blast      float64
	bias       float64
}

// weight update constants. The step is deliberately small and weights
// are clamped so no single outcome can swing future decisions far.
const (
	scorerStep        = 0.05
	scorerWeightClamp = 8.0
)

// DecisionScorer ranks candidate heal rules.
//
// # Description
//
// A logistic model over four bounded features produces a confidence in
// [0, 1] that executing the rule resolves the incident. Scoring is
// deterministic: identical features and weights always yield the same
// score. Verified outcomes feed back through a bounded gradient step,
// so the scorer prefers rules that have actually worked without ever
// becoming erratic.
//
// # Thread Safety
//
// Safe for concurrent use.
type DecisionScorer struct {
	mu      sync.RWMutex
	weights scorerWeights

	// per-rule outcome tallies backing RuleSuccessRate.
	successes map[string]int
	failures  map[string]int
}

// NewDecisionScorer returns a scorer with neutral-positive priors:
// success history weighs most, severity pushes toward action, blast
// radius pushes against.
func NewDecisionScorer() *DecisionScorer {
	return &DecisionScorer{
		weights: scorerWeights{
			severity:   1.0,
			recurrence: 0.5,
			success:    2.0,
			blast:      -1.0,
			bias:       0.0,
		},
		successes: make(map[string]int),
		failures:  make(map[string]int),
	}
}

// logistic is the standard sigmoid with input clamped to [-8, 8] to
// keep the output away from exact 0 and 1.
func logistic(x float64) float64 {
	if x > scorerWeightClamp {
		x = scorerWeightClamp
	}
	if x < -scorerWeightClamp {
		x = -scorerWeightClamp
	}
	return 1.0 / (1.0 + math.Exp(-x))
}

// clampFeature bounds a feature to [0, 1].
func clampFeature(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score returns the confidence in [0, 1] that the rule resolves the
// incident.
func (s *DecisionScorer) Score(f Features) float64 {
	s.mu.RLock()
	w := s.weights
	s.mu.RUnlock()

	x := w.severity*clampFeature(f.Severity) +
		w.recurrence*clampFeature(f.Recurrence) +
		w.success*clampFeature(f.RuleSuccessRate) +
		w.blast*clampFeature(f.BlastRadius) +
		w.bias
	return logistic(x)
}

// Observe feeds a verified outcome back into the model.
//
// Description:
//
//	Updates the per-rule success tally and takes one bounded gradient
//	step on the logistic loss: w += step * (outcome - score) * feature,
//	with every weight clamped to [-8, 8].
//
// Inputs:
//
//	ruleID - The executed rule.
//	f - The features the decision was scored with.
//	resolved - Whether verification confirmed the fix.
func (s *DecisionScorer) Observe(ruleID string, f Features, resolved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resolved {
		s.successes[ruleID]++
	} else {
		s.failures[ruleID]++
	}

	target := 0.0
	if resolved {
		target = 1.0
	}

	w := &s.weights
	x := w.severity*clampFeature(f.Severity) +
		w.recurrence*clampFeature(f.Recurrence) +
		w.success*clampFeature(f.RuleSuccessRate) +
		w.blast*clampFeature(f.BlastRadius) +
		w.bias
	grad := target - logistic(x)

	w.severity = clampWeight(w.severity + scorerStep*grad*clampFeature(f.Severity))
	w.recurrence = clampWeight(w.recurrence + scorerStep*grad*clampFeature(f.Recurrence))
	w.success = clampWeight(w.success + scorerStep*grad*clampFeature(f.RuleSuccessRate))
	w.blast = clampWeight(w.blast + scorerStep*grad*clampFeature(f.BlastRadius))
	w.bias = clampWeight(w.bias + scorerStep*grad)
}

func clampWeight(w float64) float64 {
	if w > scorerWeightClamp {
		return scorerWeightClamp
	}
	if w < -scorerWeightClamp {
		return -scorerWeightClamp
	}
	return w
}

// SuccessRate returns the rule's observed success rate in [0, 1].
// Unobserved rules get 0.5, a neutral prior.
func (s *DecisionScorer) SuccessRate(ruleID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wins := s.successes[ruleID]
	losses := s.failures[ruleID]
	if wins+losses == 0 {
		return 0.5
	}
	return float64(wins) / float64(wins+losses)
}

// Decay halves all outcome tallies. The optimization scheduler calls
// this periodically so ancient history stops dominating the success
// rate.
func (s *DecisionScorer) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.successes {
		s.successes[k] = v / 2
	}
	for k, v := range s.failures {
		s.failures[k] = v / 2
	}
}
