// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)

		assert.Equal(t, ":12400", cfg.Gateway.Addr)
		assert.Equal(t, "kodiak", cfg.Audit.Service)
		assert.Equal(t, "15s", cfg.Heal.Interval)
		assert.Equal(t, 1, cfg.Scaling.MinReplicas)
		assert.Equal(t, 10, cfg.Scaling.MaxReplicas)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
gateway:
  addr: ":9000"
scaling:
  enabled: true
  target: checkout
  min_replicas: 2
  max_replicas: 6
`)
		cfg, err := loadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.Gateway.Addr)
		assert.True(t, cfg.Scaling.Enabled)
		assert.Equal(t, "checkout", cfg.Scaling.Target)
		assert.Equal(t, 2, cfg.Scaling.MinReplicas)
		assert.Equal(t, 6, cfg.Scaling.MaxReplicas)
		// Untouched sections still get defaults.
		assert.Equal(t, "kodiak", cfg.Audit.Service)
	})

	t.Run("rejects bad heal interval", func(t *testing.T) {
		path := writeConfig(t, "heal:\n  interval: soon\n")
		_, err := loadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "heal.interval")
	})

	t.Run("rejects inverted thresholds", func(t *testing.T) {
		path := writeConfig(t, `
scaling:
  scale_up_threshold: 10
  scale_down_threshold: 20
`)
		_, err := loadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scale_down_threshold")
	})

	t.Run("rejects inverted replica bounds", func(t *testing.T) {
		path := writeConfig(t, `
scaling:
  min_replicas: 5
  max_replicas: 2
`)
		_, err := loadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_replicas")
	})

	t.Run("rejects invalid metric name", func(t *testing.T) {
		path := writeConfig(t, "scaling:\n  metric: \"latency p99!\"\n")
		_, err := loadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scaling.metric")
	})

	t.Run("rejects unparseable yaml", func(t *testing.T) {
		path := writeConfig(t, "gateway: [\n")
		_, err := loadConfig(path)
		require.Error(t, err)
	})
}

func TestLoadHealRegistry(t *testing.T) {
	t.Run("empty path yields empty registry", func(t *testing.T) {
		config = &Config{}
		reg, err := loadHealRegistry()
		require.NoError(t, err)
		assert.Empty(t, reg.All())
	})

	t.Run("loads declarative rules with inert actions", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: restart.checkout
    description: restart the checkout service
    priority: 10
    cooldown: 30s
    max_attempts: 2
    condition: unhealthy
    component: checkout
    action: reprobe
  - id: reprobe.any
    priority: 1
    condition: consecutive_failures
    failure_threshold: 3
    action: noop
`), 0o600))

		config = &Config{}
		config.Heal.Rules = path

		reg, err := loadHealRegistry()
		require.NoError(t, err)

		rules := reg.All()
		require.Len(t, rules, 2)
		assert.Equal(t, "restart.checkout", rules[0].ID)
		assert.Equal(t, 2, rules[0].MaxAttempts)

		rule, ok := reg.Get("reprobe.any")
		require.True(t, ok)
		assert.Equal(t, 1, rule.Priority)
	})

	t.Run("unknown action fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: restart.db
    priority: 1
    condition: unhealthy
    action: page-oncall
`), 0o600))

		config = &Config{}
		config.Heal.Rules = path

		_, err := loadHealRegistry()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "page-oncall")
	})
}
