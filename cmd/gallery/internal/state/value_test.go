// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_LoadStore(t *testing.T) {
	v := NewValue(map[string]int{"a": 1})
	assert.Equal(t, 1, v.Load()["a"])

	v.Store(map[string]int{"b": 2})
	assert.Equal(t, map[string]int{"b": 2}, v.Load())
}

func TestValue_UpdateDoesNotMutatePreviousSnapshot(t *testing.T) {
	v := NewValue(map[string]int{"a": 1})
	before := v.Load()

	v.Update(func(m map[string]int) map[string]int {
		next := CloneMap(m, 1)
		next["b"] = 2
		return next
	})

	assert.Len(t, before, 1, "old snapshot must stay untouched")
	assert.Len(t, v.Load(), 2)
}

func TestValue_ConcurrentUpdatesAreNotLost(t *testing.T) {
	v := NewValue(0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(n int) int { return n + 1 })
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, v.Load())
}

func TestValue_SubscribeReceivesCoalescedSignals(t *testing.T) {
	v := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := v.Subscribe(ctx)
	v.Store(1)
	v.Store(2)
	v.Store(3)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
	assert.Equal(t, 3, v.Load())
}

func TestValue_SubscribeClosesOnCancel(t *testing.T) {
	v := NewValue(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch := v.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCloneMap(t *testing.T) {
	src := map[string]int{"x": 1}
	dst := CloneMap(src, 0)
	dst["y"] = 2

	assert.Len(t, src, 1)
	assert.Len(t, dst, 2)
}
