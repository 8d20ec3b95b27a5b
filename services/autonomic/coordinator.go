// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Lease errors.
var (
	// ErrLeaseHeld is returned by TryAcquire when another holder owns
	// the lease.
	ErrLeaseHeld = errors.New("coordination lease held")

	// ErrNotHolder is returned by Release and Renew when the caller
	// does not hold the lease.
	ErrNotHolder = errors.New("caller does not hold the lease")
)

// Lease is a granted coordination lease.
type Lease struct {
	// Holder tags who owns the lease ("healing-loop",
	// "optimization-scheduler").
	Holder string

	// AcquiredAt and ExpiresAt bound the grant.
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Coordinator grants an exclusive lease to at most one holder at a
// time.
//
// # Description
//
// The healing loop and the optimization scheduler both mutate engine
// state; running them concurrently produces double-healing and
// mid-optimization rule execution. The coordinator serializes them: a
// holder acquires before working and releases after. Leases carry an
// expiry so a crashed holder cannot wedge the platform; expiry is
// evaluated against the sanity-checked clock, never raw time.Now.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	ttl    time.Duration
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	current *Lease
}

// NewCoordinator builds a Coordinator. ttl <= 0 defaults to 1 minute.
func NewCoordinator(ttl time.Duration, clock Clock, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ttl: ttl, clock: clock, logger: logger}
}

// TryAcquire attempts to take the lease for holder.
//
// Outputs:
//
//	Lease - The granted lease on success.
//	error - ErrLeaseHeld when a live lease belongs to someone else;
//	clock errors propagate so callers skip the cycle rather than act
//	on a bad clock.
func (c *Coordinator) TryAcquire(holder string) (Lease, error) {
	if holder == "" {
		return Lease{}, errors.New("lease holder is required")
	}
	now, err := c.clock.Now()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		if now.Before(c.current.ExpiresAt) && c.current.Holder != holder {
			return Lease{}, fmt.Errorf("%w by %q until %s",
				ErrLeaseHeld, c.current.Holder, c.current.ExpiresAt.Format(time.RFC3339))
		}
		if !now.Before(c.current.ExpiresAt) {
			c.logger.Warn("reclaiming expired coordination lease",
				"stale_holder", c.current.Holder,
				"expired_at", c.current.ExpiresAt)
		}
	}

	lease := Lease{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(c.ttl)}
	c.current = &lease
	return lease, nil
}

// Renew extends the holder's lease.
func (c *Coordinator) Renew(holder string) (Lease, error) {
	now, err := c.clock.Now()
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Holder != holder || !now.Before(c.current.ExpiresAt) {
		return Lease{}, ErrNotHolder
	}
	c.current.ExpiresAt = now.Add(c.ttl)
	return *c.current, nil
}

// Release gives the lease up. Releasing an expired or foreign lease
// returns ErrNotHolder.
func (c *Coordinator) Release(holder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Holder != holder {
		return ErrNotHolder
	}
	c.current = nil
	return nil
}

// Holder returns the live holder's name, or empty when the lease is
// free or expired.
func (c *Coordinator) Holder() string {
	now, err := c.clock.Now()
	if err != nil {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || !now.Before(c.current.ExpiresAt) {
		return ""
	}
	return c.current.Holder
}
