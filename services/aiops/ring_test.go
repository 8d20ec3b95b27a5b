// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aiops

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	t.Run("fills then overwrites oldest", func(t *testing.T) {
		r := NewRing[int](3)
		assert.Equal(t, 0, r.Len())

		r.Push(1)
		r.Push(2)
		r.Push(3)
		assert.Equal(t, []int{1, 2, 3}, r.Snapshot())

		r.Push(4)
		assert.Equal(t, []int{2, 3, 4}, r.Snapshot())
		assert.Equal(t, 3, r.Len())
	})

	t.Run("last", func(t *testing.T) {
		r := NewRing[string](2)
		_, ok := r.Last()
		assert.False(t, ok)

		r.Push("a")
		r.Push("b")
		r.Push("c")
		last, ok := r.Last()
		assert.True(t, ok)
		assert.Equal(t, "c", last)
	})

	t.Run("zero capacity clamps to one", func(t *testing.T) {
		r := NewRing[int](0)
		r.Push(7)
		r.Push(8)
		assert.Equal(t, []int{8}, r.Snapshot())
	})

	t.Run("concurrent pushes stay within capacity", func(t *testing.T) {
		r := NewRing[int](16)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					r.Push(n*100 + j)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 16, r.Len())
		assert.Len(t, r.Snapshot(), 16)
	})
}
