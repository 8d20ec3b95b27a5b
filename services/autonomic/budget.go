// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryBudget throttles heal attempts.
//
// # Description
//
// Tracks per-(rule, component) attempt counts and computes an
// exponential backoff with jitter between attempts, plus a global cap
// on concurrently executing actions. The engine consults Allow before
// every execution; a denied attempt either waits for the backoff to
// elapse or, once attempts exhaust the rule's MaxAttempts, escalates.
//
// # Thread Safety
//
// Safe for concurrent use.
type RetryBudget struct {
	// BaseBackoff is the first retry delay. Default: 10s.
	BaseBackoff time.Duration

	// MaxBackoff caps the exponential growth. Default: 5m.
	MaxBackoff time.Duration

	// JitterFraction widens each delay by up to this fraction.
	// Default: 0.2.
	JitterFraction float64

	// MaxConcurrent caps simultaneously executing actions.
	// Default: 3.
	MaxConcurrent int

	mu       sync.Mutex
	attempts map[string]int
	lastTry  map[string]time.Time
	running  int
	rng      *rand.Rand
}

// NewRetryBudget returns a budget with production defaults.
func NewRetryBudget() *RetryBudget {
	return &RetryBudget{
		BaseBackoff:    10 * time.Second,
		MaxBackoff:     5 * time.Minute,
		JitterFraction: 0.2,
		MaxConcurrent:  3,
		attempts:       make(map[string]int),
		lastTry:        make(map[string]time.Time),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// key builds the attempt-counter key.
func budgetKey(ruleID, component string) string {
	return ruleID + "|" + component
}

// Verdict is the outcome of an Allow check.
type Verdict int

const (
	// VerdictAllow permits the attempt now.
	VerdictAllow Verdict = iota

	// VerdictBackoff denies the attempt until the backoff elapses.
	VerdictBackoff

	// VerdictExhausted denies permanently; the engine escalates.
	VerdictExhausted

	// VerdictSaturated denies because the global concurrency cap is
	// reached.
	VerdictSaturated
)

// Allow checks whether a rule may execute against a component now.
//
// Outputs:
//
//	Verdict - The decision.
//	time.Duration - On VerdictBackoff, how long until the next
//	attempt is allowed.
func (b *RetryBudget) Allow(ruleID, component string, maxAttempts int, now time.Time) (Verdict, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running >= b.maxConcurrent() {
		return VerdictSaturated, 0
	}

	key := budgetKey(ruleID, component)
	n := b.attempts[key]
	if n >= maxAttempts {
		return VerdictExhausted, 0
	}
	if n == 0 {
		return VerdictAllow, 0
	}

	delay := b.backoff(n)
	elapsed := now.Sub(b.lastTry[key])
	if elapsed < delay {
		return VerdictBackoff, delay - elapsed
	}
	return VerdictAllow, 0
}

// Begin marks an attempt as started. Callers pair it with End.
func (b *RetryBudget) Begin(ruleID, component string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := budgetKey(ruleID, component)
	b.attempts[key]++
	b.lastTry[key] = now
	b.running++
}

// End marks an attempt as finished. A successful attempt resets the
// pair's counter.
func (b *RetryBudget) End(ruleID, component string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running > 0 {
		b.running--
	}
	if success {
		key := budgetKey(ruleID, component)
		delete(b.attempts, key)
		delete(b.lastTry, key)
	}
}

// Reset clears the counters for one (rule, component) pair.
func (b *RetryBudget) Reset(ruleID, component string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := budgetKey(ruleID, component)
	delete(b.attempts, key)
	delete(b.lastTry, key)
}

// Attempts returns the attempt count for one pair.
func (b *RetryBudget) Attempts(ruleID, component string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[budgetKey(ruleID, component)]
}

// Running returns the number of in-flight actions.
func (b *RetryBudget) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// backoff computes the delay before attempt n+1. Caller holds the
// mutex (for the rng).
func (b *RetryBudget) backoff(n int) time.Duration {
	base := b.BaseBackoff
	if base <= 0 {
		base = 10 * time.Second
	}
	maxDelay := b.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(n-1)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := b.JitterFraction
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0 && b.rng != nil {
		delay += time.Duration(b.rng.Float64() * jitter * float64(delay))
	}
	return delay
}

func (b *RetryBudget) maxConcurrent() int {
	if b.MaxConcurrent <= 0 {
		return 3
	}
	return b.MaxConcurrent
}
