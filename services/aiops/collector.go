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
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/KodiakOps/KodiakStack/pkg/validation"
)

// Sample is one observed metric value.
type Sample struct {
	// Value is the observed value.
	Value float64 `json:"value"`

	// At is when the value was observed.
	At time.Time `json:"at"`
}

// MetricSource produces the current value of one named metric.
type MetricSource interface {
	// MetricName returns the metric's name (Prometheus convention).
	MetricName() string

	// Observe returns the current value.
	Observe(ctx context.Context) (float64, error)
}

// SourceFunc adapts a function to MetricSource.
type SourceFunc struct {
	// Name is the metric name.
	Name string

	// Fn returns the current value.
	Fn func(ctx context.Context) (float64, error)
}

// MetricName returns the metric name.
func (s SourceFunc) MetricName() string { return s.Name }

// Observe invokes the function.
func (s SourceFunc) Observe(ctx context.Context) (float64, error) { return s.Fn(ctx) }

// ErrUnknownMetric is returned when a window is requested for a metric
// no source produces.
var ErrUnknownMetric = errors.New("unknown metric")

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Interval between polls. Default: 15s.
	Interval time.Duration

	// WindowSize is the per-metric ring capacity. Default: 240
	// (an hour of 15s samples).
	WindowSize int

	// ObserveTimeout bounds one source poll. Default: 5s.
	ObserveTimeout time.Duration

	// InfluxURL, InfluxToken, InfluxOrg, InfluxBucket configure the
	// optional InfluxDB sample sink. Empty URL disables it.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Collector polls metric sources and maintains per-metric sample
// windows.
//
// # Description
//
// Sources register by metric name (validated against the Prometheus
// naming convention before anything reaches a query language). Each
// poll writes one sample per source into that metric's ring; when an
// InfluxDB sink is configured, samples are also written out via the
// blocking write API so the collector notices sink failures.
//
// # Thread Safety
//
// Safe for concurrent use. Run is single-use.
type Collector struct {
	config CollectorConfig
	logger *slog.Logger

	influx   influxdb2.Client
	writeAPI api.WriteAPIBlocking

	mu      sync.RWMutex
	sources []MetricSource
	windows map[string]*Ring[Sample]

	done chan struct{}
	once sync.Once
}

// NewCollector builds a Collector.
func NewCollector(config CollectorConfig) *Collector {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 240
	}
	if config.ObserveTimeout <= 0 {
		config.ObserveTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Collector{
		config:  config,
		logger:  config.Logger,
		windows: make(map[string]*Ring[Sample]),
		done:    make(chan struct{}),
	}

	if config.InfluxURL != "" {
		c.influx = influxdb2.NewClient(config.InfluxURL, config.InfluxToken)
		c.writeAPI = c.influx.WriteAPIBlocking(config.InfluxOrg, config.InfluxBucket)
	}
	return c
}

// Register adds a source. The metric name must pass validation; a
// second source for the same name replaces the first.
func (c *Collector) Register(src MetricSource) error {
	if err := validation.ValidateMetricName(src.MetricName()); err != nil {
		return fmt.Errorf("register source: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.sources {
		if existing.MetricName() == src.MetricName() {
			c.sources[i] = src
			return nil
		}
	}
	c.sources = append(c.sources, src)
	c.windows[src.MetricName()] = NewRing[Sample](c.config.WindowSize)
	return nil
}

// Window returns the sample window for a metric, oldest-first.
func (c *Collector) Window(metric string) ([]Sample, error) {
	c.mu.RLock()
	ring, ok := c.windows[metric]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	return ring.Snapshot(), nil
}

// Latest returns the newest sample for a metric.
func (c *Collector) Latest(metric string) (Sample, error) {
	c.mu.RLock()
	ring, ok := c.windows[metric]
	c.mu.RUnlock()
	if !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	s, ok := ring.Last()
	if !ok {
		return Sample{}, fmt.Errorf("no samples yet for %s", metric)
	}
	return s, nil
}

// Collect polls every source once. Exposed so tests and the scaler can
// force a poll between ticks.
func (c *Collector) Collect(ctx context.Context) {
	c.mu.RLock()
	sources := make([]MetricSource, len(c.sources))
	copy(sources, c.sources)
	c.mu.RUnlock()

	now := time.Now().UTC()
	for _, src := range sources {
		obsCtx, cancel := context.WithTimeout(ctx, c.config.ObserveTimeout)
		value, err := src.Observe(obsCtx)
		cancel()
		if err != nil {
			c.logger.Warn("metric observation failed", "metric", src.MetricName(), "error", err)
			continue
		}

		sample := Sample{Value: value, At: now}
		c.mu.RLock()
		ring := c.windows[src.MetricName()]
		c.mu.RUnlock()
		ring.Push(sample)

		c.sink(ctx, src.MetricName(), sample)
	}
}

// sink writes one sample to InfluxDB when configured.
func (c *Collector) sink(ctx context.Context, metric string, s Sample) {
	if c.writeAPI == nil {
		return
	}
	point := influxdb2.NewPoint(metric,
		map[string]string{"source": "kodiak-collector"},
		map[string]any{"value": s.Value},
		s.At)
	if err := c.writeAPI.WritePoint(ctx, point); err != nil {
		c.logger.Warn("influx write failed", "metric", metric, "error", err)
	}
}

// Run polls on the configured interval until the context is canceled
// or Stop is called.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Stop terminates Run and closes the InfluxDB client.
func (c *Collector) Stop() {
	c.once.Do(func() {
		close(c.done)
		if c.influx != nil {
			c.influx.Close()
		}
	})
}
