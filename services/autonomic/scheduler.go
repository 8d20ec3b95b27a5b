// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// optimizerHolder tags the scheduler's coordination lease.
const optimizerHolder = "optimization-scheduler"

// SchedulerConfig wires the optimization scheduler.
type SchedulerConfig struct {
	// Interval between optimization passes. Default: 1h.
	Interval time.Duration

	// RetainTerminal is how long resolved and escalated incidents stay
	// in the journal. Default: 7 days.
	RetainTerminal time.Duration

	// DB is the Badger store to compact. Optional.
	DB *badger.DB

	// Incidents is the journal to prune. Required.
	Incidents *IncidentStore

	// Scorer gets its tallies decayed each pass. Optional.
	Scorer *DecisionScorer

	// Coordinator serializes optimization against healing. Required.
	Coordinator *Coordinator

	// Engine exposes the state gauge; optional.
	Engine *Engine

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Scheduler runs periodic maintenance: incident journal pruning,
// scorer decay, and Badger value-log GC. Every pass runs under the
// coordination lease, so it never overlaps a healing cycle.
type Scheduler struct {
	config SchedulerConfig
	logger *slog.Logger

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewScheduler builds a Scheduler.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Incidents == nil {
		return nil, errors.New("incident store is required")
	}
	if config.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.RetainTerminal <= 0 {
		config.RetainTerminal = 7 * 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Scheduler{config: config, logger: config.Logger, done: make(chan struct{})}, nil
}

// Run executes passes on the configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Pass(ctx); err != nil {
				s.logger.Warn("optimization pass failed", "error", err)
			}
		}
	}
}

// Stop terminates Run and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Pass runs one optimization pass under the lease. A held lease skips
// the pass; the next tick retries.
func (s *Scheduler) Pass(_ context.Context) error {
	if _, err := s.config.Coordinator.TryAcquire(optimizerHolder); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			s.logger.Debug("optimization pass skipped, lease held elsewhere")
			return nil
		}
		return err
	}
	defer func() {
		if err := s.config.Coordinator.Release(optimizerHolder); err != nil {
			s.logger.Warn("lease release failed", "error", err)
		}
	}()

	if s.config.Engine != nil {
		s.config.Engine.state.Store(EngineOptimizing)
		defer s.config.Engine.state.Store(EngineIdle)
	}

	cutoff := time.Now().Add(-s.config.RetainTerminal)
	pruned, err := s.config.Incidents.PruneTerminal(cutoff)
	if err != nil {
		return fmt.Errorf("prune incidents: %w", err)
	}

	if s.config.Scorer != nil {
		s.config.Scorer.Decay()
	}

	if s.config.DB != nil {
		// One GC round per pass; ErrNoRewrite just means nothing to do.
		if err := s.config.DB.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Warn("badger gc failed", "error", err)
		}
	}

	s.logger.Info("optimization pass complete", "incidents_pruned", pruned)
	return nil
}
