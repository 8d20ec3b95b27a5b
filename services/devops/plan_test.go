// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	m, err := NewManager(ManagerConfig{OutputDir: dir, DB: db})
	require.NoError(t, err)
	return m, dir
}

func testConfig(t *testing.T) *InfraConfig {
	t.Helper()
	cfg, err := ParseConfig([]byte(validConfigYAML))
	require.NoError(t, err)
	return cfg
}

func TestRenderDeterministic(t *testing.T) {
	cfg := testConfig(t)

	first, err := Render(cfg)
	require.NoError(t, err)
	second, err := Render(cfg)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Path, second[i].Path)
		assert.Equal(t, string(first[i].Content), string(second[i].Content),
			"rendering must be byte-identical across runs")
	}
}

func TestRenderOutputs(t *testing.T) {
	cfg := testConfig(t)
	files, err := Render(cfg)
	require.NoError(t, err)

	byPath := make(map[string]string, len(files))
	for _, f := range files {
		byPath[f.Path] = string(f.Content)
	}

	tf, ok := byPath["main.tf"]
	require.True(t, ok, "main.tf must be rendered")
	assert.Contains(t, tf, `provider "google"`)
	assert.Contains(t, tf, `resource "compute_instance" "gateway"`)
	assert.Contains(t, tf, "depends_on = [storage_bucket.audit-archive]")
	assert.Contains(t, tf, `project = "kodiak-staging"`)

	manifest, ok := byPath["configs/api-gateway.yaml"]
	require.True(t, ok, "service manifest must be rendered")
	assert.Contains(t, manifest, "name: api-gateway")
	assert.Contains(t, manifest, "replicas: 3")
	assert.Contains(t, manifest, "environment: staging")
}

func TestPlanLifecycle(t *testing.T) {
	m, dir := testManager(t)
	cfg := testConfig(t)
	ctx := context.Background()

	t.Run("initial plan is all creates", func(t *testing.T) {
		cs, files, err := m.Plan(cfg)
		require.NoError(t, err)
		require.Len(t, cs.Changes, len(files))
		for _, c := range cs.Changes {
			assert.Equal(t, ChangeCreate, c.Kind)
		}
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		result, err := m.Apply(ctx, cfg, "tester", true)
		require.NoError(t, err)
		assert.True(t, result.DryRun)
		_, err = os.Stat(filepath.Join(dir, "main.tf"))
		assert.True(t, os.IsNotExist(err), "dry run must not write files")
	})

	t.Run("apply writes files and settles the plan", func(t *testing.T) {
		result, err := m.Apply(ctx, cfg, "tester", false)
		require.NoError(t, err)
		assert.False(t, result.ChangeSet.Empty())

		data, err := os.ReadFile(filepath.Join(dir, "main.tf"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `provider "google"`)

		_, err = os.Stat(filepath.Join(dir, "configs", "api-gateway.yaml"))
		require.NoError(t, err)

		// Re-planning the same config yields an empty change set.
		cs, _, err := m.Plan(cfg)
		require.NoError(t, err)
		assert.True(t, cs.Empty(), "unchanged config must plan empty, got: %s", cs.Summary())
	})

	t.Run("attribute change plans an update", func(t *testing.T) {
		cfg.Services[0].Replicas = 5
		cs, _, err := m.Plan(cfg)
		require.NoError(t, err)
		require.Len(t, cs.Changes, 1)
		assert.Equal(t, ChangeUpdate, cs.Changes[0].Kind)
		assert.Equal(t, "configs/api-gateway.yaml", cs.Changes[0].Path)
	})

	t.Run("removed service plans a delete", func(t *testing.T) {
		_, err := m.Apply(ctx, cfg, "tester", false)
		require.NoError(t, err)

		cfg.Services = nil
		cs, _, err := m.Plan(cfg)
		require.NoError(t, err)
		require.Len(t, cs.Changes, 1)
		assert.Equal(t, ChangeDelete, cs.Changes[0].Kind)

		_, err = m.Apply(ctx, cfg, "tester", false)
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, "configs", "api-gateway.yaml"))
		assert.True(t, os.IsNotExist(err), "deleted manifest must be removed")
	})
}

func TestChangeSetSummary(t *testing.T) {
	cs := ChangeSet{Changes: []Change{
		{Kind: ChangeCreate}, {Kind: ChangeCreate}, {Kind: ChangeUpdate}, {Kind: ChangeDelete},
	}}
	assert.Equal(t, "2 to create, 1 to update, 1 to delete", cs.Summary())
}
