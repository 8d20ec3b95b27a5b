// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aiops implements metric-driven auto-scaling: sample
// collection into bounded ring buffers, EWMA forecasting, and a
// threshold policy with hysteresis and cooldown driving a scale target.
package aiops

import "sync"

// Ring is a fixed-capacity ring buffer. Once full, new values overwrite
// the oldest.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	size  int
}

// NewRing creates a ring with the given capacity. Capacity must be
// positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends a value, overwriting the oldest when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Snapshot returns the stored values oldest-first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.items)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

// Last returns the newest value and whether the ring is non-empty.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.items)
	}
	return r.items[idx], true
}
