// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionScorer(t *testing.T) {
	t.Run("scoring is deterministic", func(t *testing.T) {
		s := NewDecisionScorer()
		f := Features{Severity: 0.7, Recurrence: 0.2, RuleSuccessRate: 0.5, BlastRadius: 0.1}

		first := s.Score(f)
		assert.Equal(t, first, s.Score(f))
		assert.Greater(t, first, 0.0)
		assert.Less(t, first, 1.0)
	})

	t.Run("higher success rate scores higher", func(t *testing.T) {
		s := NewDecisionScorer()
		base := Features{Severity: 0.5}

		low := base
		low.RuleSuccessRate = 0.1
		high := base
		high.RuleSuccessRate = 0.9
		assert.Greater(t, s.Score(high), s.Score(low))
	})

	t.Run("blast radius pushes the score down", func(t *testing.T) {
		s := NewDecisionScorer()
		narrow := Features{Severity: 0.5, BlastRadius: 0.0}
		wide := Features{Severity: 0.5, BlastRadius: 1.0}
		assert.Less(t, s.Score(wide), s.Score(narrow))
	})

	t.Run("features are clamped to the unit interval", func(t *testing.T) {
		s := NewDecisionScorer()
		sane := Features{Severity: 1, RuleSuccessRate: 1}
		wild := Features{Severity: 50, RuleSuccessRate: 9000, BlastRadius: -3}
		assert.Equal(t, s.Score(sane), s.Score(wild))
	})

	t.Run("observed failures lower future scores", func(t *testing.T) {
		s := NewDecisionScorer()
		f := Features{Severity: 0.6, RuleSuccessRate: 0.5}
		before := s.Score(f)

		for i := 0; i < 20; i++ {
			s.Observe("restart.api-gateway", f, false)
		}
		assert.Less(t, s.Score(f), before)
	})

	t.Run("observed successes raise future scores", func(t *testing.T) {
		s := NewDecisionScorer()
		f := Features{Severity: 0.6, RuleSuccessRate: 0.5}
		before := s.Score(f)

		for i := 0; i < 20; i++ {
			s.Observe("restart.api-gateway", f, true)
		}
		assert.Greater(t, s.Score(f), before)
	})

	t.Run("updates are bounded", func(t *testing.T) {
		s := NewDecisionScorer()
		f := Features{Severity: 1, Recurrence: 1, RuleSuccessRate: 1, BlastRadius: 1}
		for i := 0; i < 10000; i++ {
			s.Observe("r.x", f, true)
		}
		// Weights clamp, so the score stays a real probability.
		score := s.Score(f)
		assert.LessOrEqual(t, score, 1.0)
		assert.GreaterOrEqual(t, score, 0.0)
	})

	t.Run("a single outcome cannot swing the score far", func(t *testing.T) {
		s := NewDecisionScorer()
		f := Features{Severity: 0.6, RuleSuccessRate: 0.5}
		before := s.Score(f)
		s.Observe("restart.api-gateway", f, false)
		assert.InDelta(t, before, s.Score(f), 0.1)
	})
}

func TestSuccessRate(t *testing.T) {
	s := NewDecisionScorer()

	t.Run("unobserved rule gets the neutral prior", func(t *testing.T) {
		assert.Equal(t, 0.5, s.SuccessRate("never-ran"))
	})

	t.Run("tracks wins over total", func(t *testing.T) {
		s.Observe("flush.cache", Features{}, true)
		s.Observe("flush.cache", Features{}, true)
		s.Observe("flush.cache", Features{}, true)
		s.Observe("flush.cache", Features{}, false)
		assert.Equal(t, 0.75, s.SuccessRate("flush.cache"))
	})

	t.Run("decay halves tallies but keeps the ratio", func(t *testing.T) {
		s.Decay()
		// 3/1 -> 1/0 after integer halving.
		assert.Equal(t, 1.0, s.SuccessRate("flush.cache"))
	})
}
