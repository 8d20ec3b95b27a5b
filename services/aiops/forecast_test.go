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
	"github.com/stretchr/testify/require"
)

func samplesAt(t0 time.Time, step time.Duration, values ...float64) []Sample {
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{Value: v, At: t0.Add(time.Duration(i) * step)}
	}
	return out
}

func TestForecasterSmooth(t *testing.T) {
	f := &Forecaster{Alpha: 0.5}
	window := samplesAt(time.Now(), time.Second, 10, 20, 30)

	smoothed := f.Smooth(window)
	require.Len(t, smoothed, 3)
	assert.Equal(t, 10.0, smoothed[0])
	assert.Equal(t, 15.0, smoothed[1])
	assert.Equal(t, 22.5, smoothed[2])

	assert.Nil(t, f.Smooth(nil))
}

func TestForecasterForecast(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("too few samples", func(t *testing.T) {
		f := NewForecaster()
		_, err := f.Forecast(samplesAt(t0, time.Second, 1, 2), time.Minute)
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("flat window forecasts flat", func(t *testing.T) {
		f := NewForecaster()
		got, err := f.Forecast(samplesAt(t0, 15*time.Second, 50, 50, 50, 50, 50, 50), time.Minute)
		require.NoError(t, err)
		assert.InDelta(t, 50, got, 0.01)
	})

	t.Run("rising trend projects higher", func(t *testing.T) {
		// Alpha 1 disables smoothing so the linear trend is exact:
		// +1 per 15s, so +4 over a 1m horizon.
		f := &Forecaster{Alpha: 1, MinSamples: 5}
		window := samplesAt(t0, 15*time.Second, 10, 11, 12, 13, 14, 15)
		got, err := f.Forecast(window, time.Minute)
		require.NoError(t, err)
		assert.InDelta(t, 19, got, 0.01)
	})

	t.Run("falling trend projects lower", func(t *testing.T) {
		f := &Forecaster{Alpha: 1, MinSamples: 5}
		window := samplesAt(t0, 15*time.Second, 90, 85, 80, 75, 70)
		got, err := f.Forecast(window, 30*time.Second)
		require.NoError(t, err)
		assert.Less(t, got, 70.0)
	})

	t.Run("deterministic", func(t *testing.T) {
		f := NewForecaster()
		window := samplesAt(t0, 15*time.Second, 3, 9, 4, 8, 5, 7)
		a, err := f.Forecast(window, time.Minute)
		require.NoError(t, err)
		b, err := f.Forecast(window, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}
