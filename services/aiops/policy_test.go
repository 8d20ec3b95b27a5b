// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aiops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() *ScalingPolicy {
	return &ScalingPolicy{
		Metric:             "kodiak_http_active_requests",
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 30,
		Hysteresis:         5,
		Cooldown:           time.Minute,
		MinReplicas:        1,
		MaxReplicas:        10,
	}
}

func TestScalingPolicyValidate(t *testing.T) {
	assert.NoError(t, testPolicy().Validate())

	p := testPolicy()
	p.Metric = ""
	assert.Error(t, p.Validate())

	p = testPolicy()
	p.ScaleDownThreshold = 90
	assert.Error(t, p.Validate())

	p = testPolicy()
	p.MaxReplicas = 0
	assert.Error(t, p.Validate())

	p = testPolicy()
	p.Hysteresis = -1
	assert.Error(t, p.Validate())
}

func TestScalingPolicyDecide(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("observed above threshold scales up", func(t *testing.T) {
		p := testPolicy()
		d := p.Decide(3, 85, 85, now)
		assert.Equal(t, DirectionUp, d.Direction)
		assert.Equal(t, 4, d.TargetReplicas)
	})

	t.Run("prediction alone scales up", func(t *testing.T) {
		p := testPolicy()
		d := p.Decide(3, 50, 95, now)
		assert.Equal(t, DirectionUp, d.Direction)
		assert.Contains(t, d.Reason, "predicted")
	})

	t.Run("low observed scales down", func(t *testing.T) {
		p := testPolicy()
		d := p.Decide(3, 10, 10, now)
		assert.Equal(t, DirectionDown, d.Direction)
		assert.Equal(t, 2, d.TargetReplicas)
	})

	t.Run("hysteresis band holds", func(t *testing.T) {
		// Below the scale-down threshold but inside the hysteresis band.
		p := testPolicy()
		d := p.Decide(3, 27, 27, now)
		assert.Equal(t, DirectionHold, d.Direction)
	})

	t.Run("within band holds", func(t *testing.T) {
		p := testPolicy()
		d := p.Decide(3, 50, 50, now)
		assert.Equal(t, DirectionHold, d.Direction)
		assert.Equal(t, 3, d.TargetReplicas)
	})

	t.Run("cooldown suppresses the next decision", func(t *testing.T) {
		p := testPolicy()
		first := p.Decide(3, 90, 90, now)
		assert.Equal(t, DirectionUp, first.Direction)

		second := p.Decide(4, 95, 95, now.Add(30*time.Second))
		assert.Equal(t, DirectionHold, second.Direction)
		assert.Contains(t, second.Reason, "cooldown")

		third := p.Decide(4, 95, 95, now.Add(2*time.Minute))
		assert.Equal(t, DirectionUp, third.Direction)
	})

	t.Run("max replicas clamps", func(t *testing.T) {
		p := testPolicy()
		d := p.Decide(10, 99, 99, now)
		assert.Equal(t, DirectionHold, d.Direction)
		assert.Contains(t, d.Reason, "max replicas")
	})

	t.Run("min replicas clamps", func(t *testing.T) {
		p := testPolicy()
		d := p.Decide(1, 1, 1, now)
		assert.Equal(t, DirectionHold, d.Direction)
		assert.Contains(t, d.Reason, "min replicas")
	})
}
