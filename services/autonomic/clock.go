// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package autonomic implements the self-healing engine: declarative heal
// rules, an incident state machine with journaled transitions, a retry
// budget, a deterministic decision scorer, and a lease coordinator that
// serializes the healing loop against the optimization scheduler.
package autonomic

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies sanity-checked time to lease expiry and cooldown math.
//
// # Description
//
// A manipulated or badly drifted system clock breaks the engine in both
// directions: a forward jump expires healthy leases and cooldowns early,
// a backward jump keeps stale leases alive forever. Now validates the
// system time against absolute bounds and a max-jump threshold before
// handing it out; time-sensitive paths use Clock.Now instead of
// time.Now.
//
// # Thread Safety
//
// Safe for concurrent use.
type Clock interface {
	// Now returns the current time if the clock passes sanity checks.
	Now() (time.Time, error)

	// Rebase resets jump detection after a known legitimate time
	// change (NTP sync, resume from sleep).
	Rebase()
}

// ClockConfig bounds acceptable system time.
type ClockConfig struct {
	// MinValid and MaxValid are absolute bounds on acceptable time.
	MinValid time.Time
	MaxValid time.Time

	// MaxBackwardJump and MaxForwardJump bound the step between
	// consecutive reads.
	MaxBackwardJump time.Duration
	MaxForwardJump  time.Duration
}

// DefaultClockConfig returns production bounds.
func DefaultClockConfig() ClockConfig {
	return ClockConfig{
		MinValid:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxValid:        time.Date(2036, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxBackwardJump: time.Hour,
		MaxForwardJump:  2 * time.Hour,
	}
}

// sanityClock implements Clock against the real system clock.
type sanityClock struct {
	config ClockConfig

	mu       sync.Mutex
	lastGood time.Time
	checks   int64
}

// NewClock creates a sanity-checking clock with default bounds.
func NewClock() Clock {
	return NewClockWithConfig(DefaultClockConfig())
}

// NewClockWithConfig creates a sanity-checking clock with custom bounds.
func NewClockWithConfig(config ClockConfig) Clock {
	return &sanityClock{config: config, lastGood: time.Now()}
}

// Now returns the current time after validating bounds and jump size.
// Jump detection is skipped on the first read after construction or
// Rebase.
func (c *sanityClock) Now() (time.Time, error) {
	now := time.Now()

	if now.Before(c.config.MinValid) {
		return time.Time{}, fmt.Errorf("clock sanity: %s before minimum valid %s",
			now.Format(time.RFC3339), c.config.MinValid.Format(time.RFC3339))
	}
	if now.After(c.config.MaxValid) {
		return time.Time{}, fmt.Errorf("clock sanity: %s after maximum valid %s",
			now.Format(time.RFC3339), c.config.MaxValid.Format(time.RFC3339))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checks > 0 {
		diff := now.Sub(c.lastGood)
		if diff < -c.config.MaxBackwardJump {
			return time.Time{}, fmt.Errorf("clock sanity: backward jump of %v (max %v)",
				-diff, c.config.MaxBackwardJump)
		}
		if diff > c.config.MaxForwardJump {
			return time.Time{}, fmt.Errorf("clock sanity: forward jump of %v (max %v)",
				diff, c.config.MaxForwardJump)
		}
	}

	c.lastGood = now
	c.checks++
	return now, nil
}

// Rebase resets the jump-detection baseline.
func (c *sanityClock) Rebase() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGood = time.Now()
	c.checks = 0
}

// fixedClock is a test clock returning a settable time.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock returns a Clock pinned to t; Advance moves it.
func NewFixedClock(t time.Time) *fixedClock {
	return &fixedClock{now: t}
}

// Now returns the pinned time.
func (c *fixedClock) Now() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

// Rebase is a no-op.
func (c *fixedClock) Rebase() {}

// Advance moves the pinned time forward.
func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
