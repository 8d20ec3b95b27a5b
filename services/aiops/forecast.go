// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aiops

import (
	"errors"
	"time"
)

// ErrInsufficientData is returned when a forecast needs more samples
// than the window holds.
var ErrInsufficientData = errors.New("insufficient samples for forecast")

// Forecaster smooths a sample window and projects it forward.
//
// EWMA absorbs sample noise; a least-squares fit over the smoothed
// window supplies the trend. Deterministic: the same window always
// yields the same forecast.
type Forecaster struct {
	// Alpha is the EWMA smoothing factor in (0, 1]. Higher weights
	// recent samples more.
	Alpha float64

	// MinSamples is the minimum window length. Default: 5.
	MinSamples int
}

// NewForecaster returns a Forecaster with standard smoothing.
func NewForecaster() *Forecaster {
	return &Forecaster{Alpha: 0.3, MinSamples: 5}
}

// Smooth returns the EWMA of the window, oldest-first in, one value per
// sample out.
func (f *Forecaster) Smooth(window []Sample) []float64 {
	if len(window) == 0 {
		return nil
	}
	alpha := f.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}

	out := make([]float64, len(window))
	out[0] = window[0].Value
	for i := 1; i < len(window); i++ {
		out[i] = alpha*window[i].Value + (1-alpha)*out[i-1]
	}
	return out
}

// Forecast projects the metric's value at now+horizon.
//
// Description:
//
//	Fits a least-squares line through the EWMA-smoothed window using
//	each sample's timestamp offset (seconds from the first sample) as
//	x, then evaluates the line at the horizon past the newest sample.
//	A flat window forecasts its smoothed tail value.
//
// Inputs:
//
//	window - Samples, oldest-first.
//	horizon - How far past the newest sample to project.
//
// Outputs:
//
//	float64 - The projected value.
//	error - ErrInsufficientData when the window is shorter than
//	MinSamples.
func (f *Forecaster) Forecast(window []Sample, horizon time.Duration) (float64, error) {
	minSamples := f.MinSamples
	if minSamples <= 0 {
		minSamples = 5
	}
	if len(window) < minSamples {
		return 0, ErrInsufficientData
	}

	smoothed := f.Smooth(window)
	t0 := window[0].At

	// Least squares over (x=seconds since t0, y=smoothed value).
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(window))
	for i, s := range window {
		x := s.At.Sub(t0).Seconds()
		y := smoothed[i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// All samples share a timestamp; no trend to extract.
		return smoothed[len(smoothed)-1], nil
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	xTarget := window[len(window)-1].At.Sub(t0).Seconds() + horizon.Seconds()
	return intercept + slope*xTarget, nil
}
