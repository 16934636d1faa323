// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state provides an observable, atomically swapped snapshot.
//
// Every piece of shared orchestration state (task list, download status map,
// initialization status map) lives in a Value. Readers Load an immutable
// snapshot; writers Update with a pure function from old snapshot to new.
// A reader never observes a partially applied update.
//
// Snapshots handed out by Load must be treated as read-only. Update
// functions must copy before modifying (see CloneMap).
package state

import (
	"context"
	"sync"
	"sync/atomic"
)

// Value holds a snapshot of T behind a single atomic reference.
type Value[T any] struct {
	ptr atomic.Pointer[T]

	// writeMu serializes writers so update functions never race and no
	// update is lost. Readers never take it.
	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	v := &Value[T]{subs: make(map[int]chan struct{})}
	v.ptr.Store(&initial)
	return v
}

// Load returns the current snapshot.
func (v *Value[T]) Load() T {
	return *v.ptr.Load()
}

// Store replaces the snapshot and notifies subscribers.
func (v *Value[T]) Store(next T) {
	v.writeMu.Lock()
	v.ptr.Store(&next)
	v.writeMu.Unlock()
	v.notify()
}

// Update applies fn to the current snapshot and atomically publishes the
// result. fn runs with writers serialized; it must not call back into the
// same Value and must not block on I/O.
func (v *Value[T]) Update(fn func(T) T) T {
	v.writeMu.Lock()
	next := fn(*v.ptr.Load())
	v.ptr.Store(&next)
	v.writeMu.Unlock()
	v.notify()
	return next
}

// Subscribe returns a channel that receives a signal after every published
// change. Signals coalesce: a slow reader sees at most one pending signal
// and should Load the latest snapshot when woken. The channel is closed
// when ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	v.subMu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	v.subMu.Unlock()

	go func() {
		<-ctx.Done()
		v.subMu.Lock()
		delete(v.subs, id)
		close(ch)
		v.subMu.Unlock()
	}()

	return ch
}

func (v *Value[T]) notify() {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// CloneMap returns a shallow copy of m with room for extra entries.
func CloneMap[K comparable, V any](m map[K]V, extra int) map[K]V {
	out := make(map[K]V, len(m)+extra)
	for k, val := range m {
		out[k] = val
	}
	return out
}
