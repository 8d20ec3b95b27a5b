// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakOps/KodiakStack/services/monitor"
)

func noopRule(id string, priority int) HealRule {
	return HealRule{
		ID:          id,
		Priority:    priority,
		MaxAttempts: 3,
		Condition:   func(monitor.ComponentHealth) bool { return true },
		Action:      func(context.Context, *Incident) error { return nil },
	}
}

func TestRegistry(t *testing.T) {
	t.Run("sorted by priority then id", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(noopRule("low.rule", 1)))
		require.NoError(t, reg.Register(noopRule("high.b", 10)))
		require.NoError(t, reg.Register(noopRule("high.a", 10)))

		all := reg.All()
		require.Len(t, all, 3)
		assert.Equal(t, "high.a", all[0].ID)
		assert.Equal(t, "high.b", all[1].ID)
		assert.Equal(t, "low.rule", all[2].ID)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(noopRule("restart.api", 1)))
		err := reg.Register(noopRule("restart.api", 2))
		assert.ErrorIs(t, err, ErrDuplicateRule)
	})

	t.Run("invalid rules rejected", func(t *testing.T) {
		reg := NewRegistry()

		bad := noopRule("Bad ID!", 1)
		assert.Error(t, reg.Register(bad))

		noCondition := noopRule("ok.rule", 1)
		noCondition.Condition = nil
		assert.Error(t, reg.Register(noCondition))

		noAttempts := noopRule("ok.rule", 1)
		noAttempts.MaxAttempts = 0
		assert.Error(t, reg.Register(noAttempts))
	})

	t.Run("candidates filter by condition", func(t *testing.T) {
		reg := NewRegistry()
		unhealthyOnly := noopRule("restart.down", 5)
		unhealthyOnly.Condition = func(c monitor.ComponentHealth) bool {
			return c.Status == monitor.StatusUnhealthy
		}
		require.NoError(t, reg.Register(unhealthyOnly))
		require.NoError(t, reg.Register(noopRule("always.on", 1)))

		down := monitor.ComponentHealth{Name: "api", Status: monitor.StatusUnhealthy}
		assert.Len(t, reg.Candidates(down), 2)

		fine := monitor.ComponentHealth{Name: "api", Status: monitor.StatusHealthy}
		candidates := reg.Candidates(fine)
		require.Len(t, candidates, 1)
		assert.Equal(t, "always.on", candidates[0].ID)
	})
}

const rulesYAML = `
rules:
  - id: restart.api-gateway
    description: Restart the gateway when it goes down.
    priority: 10
    cooldown: 30s
    max_attempts: 2
    condition: unhealthy
    component: api-gateway
    action: restart
  - id: flush.cache
    priority: 5
    condition: consecutive_failures
    failure_threshold: 2
    action: flush
`

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0640))

	var restarted, flushed bool
	factories := map[string]ActionFactory{
		"restart": func(RuleSpec) (HealAction, error) {
			return func(context.Context, *Incident) error { restarted = true; return nil }, nil
		},
		"flush": func(RuleSpec) (HealAction, error) {
			return func(context.Context, *Incident) error { flushed = true; return nil }, nil
		},
	}

	reg := NewRegistry()
	require.NoError(t, LoadRules(path, reg, factories))

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "restart.api-gateway", all[0].ID)
	assert.Equal(t, 2, all[0].MaxAttempts)
	assert.Equal(t, "30s", all[0].Cooldown.String())

	t.Run("component scoping", func(t *testing.T) {
		gwDown := monitor.ComponentHealth{Name: "api-gateway", Status: monitor.StatusUnhealthy}
		otherDown := monitor.ComponentHealth{Name: "worker", Status: monitor.StatusUnhealthy}

		assert.Len(t, reg.Candidates(gwDown), 1)
		assert.Empty(t, reg.Candidates(otherDown), "rule is scoped to api-gateway")
	})

	t.Run("threshold condition", func(t *testing.T) {
		flappy := monitor.ComponentHealth{Name: "worker", Status: monitor.StatusDegraded, ConsecutiveFailures: 2}
		candidates := reg.Candidates(flappy)
		require.Len(t, candidates, 1)
		assert.Equal(t, "flush.cache", candidates[0].ID)
	})

	t.Run("bound actions execute", func(t *testing.T) {
		rule, ok := reg.Get("restart.api-gateway")
		require.True(t, ok)
		require.NoError(t, rule.Action(context.Background(), &Incident{}))
		assert.True(t, restarted)

		rule, ok = reg.Get("flush.cache")
		require.True(t, ok)
		require.NoError(t, rule.Action(context.Background(), &Incident{}))
		assert.True(t, flushed)
	})

	t.Run("unknown action fails", func(t *testing.T) {
		badPath := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(badPath, []byte("rules:\n  - id: x.y\n    condition: unhealthy\n    action: mystery\n"), 0640))
		err := LoadRules(badPath, NewRegistry(), factories)
		assert.Error(t, err)
	})

	t.Run("unknown condition fails", func(t *testing.T) {
		badPath := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(badPath, []byte("rules:\n  - id: x.y\n    condition: psychic\n    action: restart\n"), 0640))
		err := LoadRules(badPath, NewRegistry(), factories)
		assert.Error(t, err)
	})
}
