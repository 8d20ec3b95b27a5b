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
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegister(t *testing.T) {
	c := NewCollector(CollectorConfig{})

	t.Run("accepts a valid metric name", func(t *testing.T) {
		err := c.Register(SourceFunc{
			Name: "kodiak_http_active_requests",
			Fn:   func(context.Context) (float64, error) { return 1, nil },
		})
		require.NoError(t, err)
	})

	t.Run("rejects an invalid metric name", func(t *testing.T) {
		err := c.Register(SourceFunc{
			Name: "latency p99!",
			Fn:   func(context.Context) (float64, error) { return 1, nil },
		})
		require.Error(t, err)
	})

	t.Run("re-registering replaces the source", func(t *testing.T) {
		err := c.Register(SourceFunc{
			Name: "kodiak_http_active_requests",
			Fn:   func(context.Context) (float64, error) { return 42, nil },
		})
		require.NoError(t, err)

		c.Collect(context.Background())
		latest, err := c.Latest("kodiak_http_active_requests")
		require.NoError(t, err)
		assert.Equal(t, 42.0, latest.Value)
	})
}

func TestCollectorCollect(t *testing.T) {
	c := NewCollector(CollectorConfig{WindowSize: 4})

	value := 10.0
	require.NoError(t, c.Register(SourceFunc{
		Name: "kodiak_probe_latency_ms",
		Fn:   func(context.Context) (float64, error) { return value, nil },
	}))
	require.NoError(t, c.Register(SourceFunc{
		Name: "kodiak_flaky_metric",
		Fn:   func(context.Context) (float64, error) { return 0, errors.New("scrape failed") },
	}))

	for i := 0; i < 6; i++ {
		c.Collect(context.Background())
		value += 5
	}

	t.Run("window is bounded and oldest-first", func(t *testing.T) {
		window, err := c.Window("kodiak_probe_latency_ms")
		require.NoError(t, err)
		require.Len(t, window, 4)
		assert.Equal(t, 20.0, window[0].Value)
		assert.Equal(t, 35.0, window[3].Value)
	})

	t.Run("failing source leaves its window empty", func(t *testing.T) {
		window, err := c.Window("kodiak_flaky_metric")
		require.NoError(t, err)
		assert.Empty(t, window)

		_, err = c.Latest("kodiak_flaky_metric")
		require.Error(t, err)
	})

	t.Run("unknown metric errors", func(t *testing.T) {
		_, err := c.Window("kodiak_nope")
		require.ErrorIs(t, err, ErrUnknownMetric)
	})
}

func TestCollectorInfluxSink(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCollector(CollectorConfig{
		InfluxURL:    srv.URL,
		InfluxToken:  "test-token",
		InfluxOrg:    "kodiak",
		InfluxBucket: "metrics",
	})
	defer c.Stop()

	require.NoError(t, c.Register(SourceFunc{
		Name: "kodiak_probe_latency_ms",
		Fn:   func(context.Context) (float64, error) { return 42, nil },
	}))

	// WritePoint is blocking, so one Collect lands one write.
	c.Collect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies, "sample should reach the sink")
	assert.Contains(t, paths[0], "/api/v2/write")
	assert.Contains(t, bodies[0], "kodiak_probe_latency_ms")
	assert.Contains(t, bodies[0], "value=42")
}
