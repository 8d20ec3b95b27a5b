// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
environment: staging
providers:
  - name: google
    version: "~> 5.0"
    attributes:
      project: kodiak-staging
      region: us-central1
resources:
  - type: storage_bucket
    name: audit-archive
    attributes:
      location: US
  - type: compute_instance
    name: gateway
    attributes:
      machine_type: e2-medium
    depends_on:
      - storage_bucket.audit-archive
services:
  - name: api-gateway
    image: kodiak/gateway:1.4.0
    replicas: 3
    port: 8080
    env:
      LOG_LEVEL: info
`

func TestParseConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(validConfigYAML))
		require.NoError(t, err)
		assert.Equal(t, "staging", cfg.Environment)
		assert.Len(t, cfg.Resources, 2)
		assert.Len(t, cfg.Services, 1)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte("environment: dev\nsurprise: true\n"))
		assert.Error(t, err)
	})

	t.Run("bad environment rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte("environment: canary\n"))
		assert.Error(t, err)
	})

	t.Run("duplicate resource rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte(`
environment: dev
resources:
  - type: storage_bucket
    name: b
  - type: storage_bucket
    name: b
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate resource")
	})

	t.Run("dangling dependency rejected", func(t *testing.T) {
		_, err := ParseConfig([]byte(`
environment: dev
resources:
  - type: compute_instance
    name: web
    depends_on:
      - storage_bucket.missing
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "undeclared")
	})

	t.Run("replica bounds enforced", func(t *testing.T) {
		_, err := ParseConfig([]byte(`
environment: dev
services:
  - name: web
    image: img:1
    replicas: 5000
`))
		assert.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "infra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0640))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSortedAccessors(t *testing.T) {
	cfg := &InfraConfig{
		Resources: []Resource{
			{Type: "z_type", Name: "a"},
			{Type: "a_type", Name: "b"},
		},
		Services: []Service{{Name: "zeta"}, {Name: "alpha"}},
	}

	resources := cfg.SortedResources()
	assert.Equal(t, "a_type.b", resources[0].Key())

	services := cfg.SortedServices()
	assert.Equal(t, "alpha", services[0].Name)
}
