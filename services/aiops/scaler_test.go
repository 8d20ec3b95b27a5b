// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aiops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KodiakOps/KodiakStack/services/compliance"
)

func TestCollectorRegisterAndCollect(t *testing.T) {
	c := NewCollector(CollectorConfig{WindowSize: 8})
	defer c.Stop()

	value := 10.0
	require.NoError(t, c.Register(SourceFunc{
		Name: "kodiak_queue_depth",
		Fn:   func(context.Context) (float64, error) { return value, nil },
	}))

	t.Run("invalid metric name rejected", func(t *testing.T) {
		err := c.Register(SourceFunc{Name: "bad metric name!", Fn: nil})
		assert.Error(t, err)
	})

	t.Run("collect fills the window", func(t *testing.T) {
		c.Collect(context.Background())
		value = 20
		c.Collect(context.Background())

		window, err := c.Window("kodiak_queue_depth")
		require.NoError(t, err)
		require.Len(t, window, 2)
		assert.Equal(t, 10.0, window[0].Value)
		assert.Equal(t, 20.0, window[1].Value)

		latest, err := c.Latest("kodiak_queue_depth")
		require.NoError(t, err)
		assert.Equal(t, 20.0, latest.Value)
	})

	t.Run("unknown metric", func(t *testing.T) {
		_, err := c.Window("kodiak_nope")
		assert.ErrorIs(t, err, ErrUnknownMetric)
	})

	t.Run("failing source leaves window unchanged", func(t *testing.T) {
		require.NoError(t, c.Register(SourceFunc{
			Name: "kodiak_flaky",
			Fn:   func(context.Context) (float64, error) { return 0, context.DeadlineExceeded },
		}))
		c.Collect(context.Background())

		window, err := c.Window("kodiak_flaky")
		require.NoError(t, err)
		assert.Empty(t, window)
	})
}

func newTestScaler(t *testing.T, target ScaleTarget, policy *ScalingPolicy, feed func() float64) (*AutoScaler, *Collector) {
	t.Helper()
	c := NewCollector(CollectorConfig{WindowSize: 16})
	t.Cleanup(c.Stop)
	require.NoError(t, c.Register(SourceFunc{
		Name: policy.Metric,
		Fn:   func(context.Context) (float64, error) { return feed(), nil },
	}))

	a, err := NewAutoScaler(AutoScalerConfig{
		Policy:    policy,
		Collector: c,
		Target:    target,
	})
	require.NoError(t, err)
	return a, c
}

func TestAutoScalerEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("scales up on load", func(t *testing.T) {
		target := NewLocalTarget("api-gateway", 2)
		load := 95.0
		a, c := newTestScaler(t, target, testPolicy(), func() float64 { return load })

		c.Collect(ctx)
		decision, err := a.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, DirectionUp, decision.Direction)

		replicas, err := target.Replicas(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, replicas)
	})

	t.Run("holds with no samples", func(t *testing.T) {
		target := NewLocalTarget("api-gateway", 2)
		a, _ := newTestScaler(t, target, testPolicy(), func() float64 { return 0 })

		decision, err := a.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, DirectionHold, decision.Direction)
	})

	t.Run("scales down when quiet", func(t *testing.T) {
		target := NewLocalTarget("api-gateway", 4)
		a, c := newTestScaler(t, target, testPolicy(), func() float64 { return 5 })

		for i := 0; i < 6; i++ {
			c.Collect(ctx)
		}
		decision, err := a.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, DirectionDown, decision.Direction)

		replicas, err := target.Replicas(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, replicas)
	})

	t.Run("audits non-hold decisions", func(t *testing.T) {
		dir := t.TempDir()
		cfg := compliance.DefaultLoggerConfig(dir, "testsvc")
		cfg.Fsync = false
		audit, err := compliance.NewAuditLogger(cfg)
		require.NoError(t, err)
		defer audit.Close()

		target := NewLocalTarget("api-gateway", 2)
		c := NewCollector(CollectorConfig{WindowSize: 16})
		defer c.Stop()
		require.NoError(t, c.Register(SourceFunc{
			Name: "kodiak_http_active_requests",
			Fn:   func(context.Context) (float64, error) { return 99, nil },
		}))

		a, err := NewAutoScaler(AutoScalerConfig{
			Policy:    testPolicy(),
			Collector: c,
			Target:    target,
			Audit:     audit,
		})
		require.NoError(t, err)

		c.Collect(ctx)
		_, err = a.Evaluate(ctx)
		require.NoError(t, err)

		assert.Equal(t, uint64(1), audit.Seq(), "scaling decision must be audited")
	})
}

func TestNewAutoScalerValidation(t *testing.T) {
	c := NewCollector(CollectorConfig{})
	defer c.Stop()

	_, err := NewAutoScaler(AutoScalerConfig{Collector: c, Target: NewLocalTarget("x", 1)})
	assert.Error(t, err, "missing policy")

	bad := testPolicy()
	bad.MaxReplicas = 0
	_, err = NewAutoScaler(AutoScalerConfig{Policy: bad, Collector: c, Target: NewLocalTarget("x", 1)})
	assert.Error(t, err, "invalid policy")
}

func TestLocalTarget(t *testing.T) {
	target := NewLocalTarget("svc", 3)
	assert.Equal(t, "svc", target.TargetName())

	require.NoError(t, target.Scale(context.Background(), 5))
	n, err := target.Replicas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Error(t, target.Scale(context.Background(), -1))
}

func TestAutoScalerRunStop(t *testing.T) {
	target := NewLocalTarget("svc", 1)
	c := NewCollector(CollectorConfig{WindowSize: 4})
	defer c.Stop()
	require.NoError(t, c.Register(SourceFunc{
		Name: "kodiak_http_active_requests",
		Fn:   func(context.Context) (float64, error) { return 50, nil },
	}))

	a, err := NewAutoScaler(AutoScalerConfig{
		Interval:  10 * time.Millisecond,
		Policy:    testPolicy(),
		Collector: c,
		Target:    target,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	a.Stop()
}
