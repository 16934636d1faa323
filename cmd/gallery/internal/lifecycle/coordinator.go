// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle serializes initialization and cleanup of in-memory
// model instances.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/state"
)

// DefaultVisibilityDelay is how long an init must run before INITIALIZING
// becomes visible. Fast inits go straight to INITIALIZED.
const DefaultVisibilityDelay = 500 * time.Millisecond

var (
	// ErrNotInitialized is returned by Run when the model has no instance.
	ErrNotInitialized = errors.New("model is not initialized")

	// ErrUnknownModel is returned for a name that was never registered.
	ErrUnknownModel = errors.New("model is not registered")

	errNoInstance = errors.New("backend returned no instance")
)

// Status is the initialization state of one model.
type Status string

const (
	StatusNotInitialized Status = "NOT_INITIALIZED"
	StatusInitializing   Status = "INITIALIZING"
	StatusInitialized    Status = "INITIALIZED"
	StatusError          Status = "ERROR"
)

// InitializationStatus is the published record for one model.
type InitializationStatus struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Instance is an opaque handle produced by a Backend.
type Instance any

// Backend is the model runtime. Calls may block; the Coordinator never
// holds its lock across them.
type Backend interface {
	// Initialize loads the model found at path.
	Initialize(ctx context.Context, m *catalog.Model, path string) (Instance, error)

	// Cleanup releases inst.
	Cleanup(ctx context.Context, inst Instance) error

	// Run performs one inference on inst.
	Run(ctx context.Context, inst Instance, input string) (string, error)
}

// entry is the coordinator-private runtime state of one model.
type entry struct {
	instance         Instance
	initializing     bool
	cleanUpAfterInit bool
	generation       uint64
	done             chan struct{}
}

// Config configures a Coordinator.
type Config struct {
	Backend Backend

	// BaseDir resolves model paths.
	BaseDir string

	// VisibilityDelay defaults to DefaultVisibilityDelay.
	VisibilityDelay time.Duration

	Logger *slog.Logger
}

// Coordinator owns every model instance and drives
// NOT_INITIALIZED -> INITIALIZING -> {INITIALIZED, ERROR} and
// INITIALIZED -> NOT_INITIALIZED.
//
// # Description
//
// An instance exists only inside the Coordinator; Model records never
// carry one. Concurrent Initialize calls coalesce onto the in-flight one.
// Cleanup during an in-flight init is deferred until the init completes,
// never preemptive.
//
// # Thread Safety
//
// Coordinator is safe for concurrent use. Its mutex guards entry flags and
// status publication only; backend calls run without it.
type Coordinator struct {
	backend Backend
	baseDir string
	delay   time.Duration
	logger  *slog.Logger

	statuses *state.Value[map[string]InitializationStatus]

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.VisibilityDelay <= 0 {
		cfg.VisibilityDelay = DefaultVisibilityDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		backend:  cfg.Backend,
		baseDir:  cfg.BaseDir,
		delay:    cfg.VisibilityDelay,
		logger:   logger,
		statuses: state.NewValue(map[string]InitializationStatus{}),
		entries:  make(map[string]*entry),
	}
}

// =============================================================================
// Registration and observation
// =============================================================================

// Register creates a NOT_INITIALIZED record for name if none exists.
func (c *Coordinator) Register(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return
	}
	c.entries[name] = &entry{}
	c.publishLocked(name, InitializationStatus{Status: StatusNotInitialized})
}

// Remove tears down any instance and destroys name's record.
func (c *Coordinator) Remove(ctx context.Context, name string) error {
	err := c.Cleanup(ctx, name)

	c.mu.Lock()
	delete(c.entries, name)
	c.statuses.Update(func(cur map[string]InitializationStatus) map[string]InitializationStatus {
		next := state.CloneMap(cur, 0)
		delete(next, name)
		return next
	})
	c.mu.Unlock()
	if errors.Is(err, ErrUnknownModel) {
		return nil
	}
	return err
}

// Status returns the record for name.
func (c *Coordinator) Status(name string) (InitializationStatus, bool) {
	s, ok := c.statuses.Load()[name]
	return s, ok
}

// Snapshot returns the current status map. Callers must not modify it.
func (c *Coordinator) Snapshot() map[string]InitializationStatus {
	return c.statuses.Load()
}

// Subscribe returns a coalescing change signal closed when ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan struct{} {
	return c.statuses.Subscribe(ctx)
}

// HasInstance reports whether name currently has a live instance.
func (c *Coordinator) HasInstance(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	return ok && e.instance != nil
}

// =============================================================================
// Initialize / Cleanup / Run
// =============================================================================

// Initialize brings up an instance for m and returns a channel closed when
// the attempt (or the attempt it coalesced onto) has finished.
//
// # Description
//
//   - INITIALIZED and not force: no-op.
//   - Init in flight: clears a pending deferred cleanup and coalesces.
//   - Otherwise: tears down any old instance, marks the entry
//     initializing, arms the visibility signal and calls the backend in a
//     new goroutine. The call outlives ctx's cancellation.
//
// Backend errors and panics end in ERROR; they are never returned.
func (c *Coordinator) Initialize(ctx context.Context, m *catalog.Model, force bool) <-chan struct{} {
	c.mu.Lock()
	e, ok := c.entries[m.Name]
	if !ok {
		e = &entry{}
		c.entries[m.Name] = e
	}
	if e.initializing {
		e.cleanUpAfterInit = false
		done := e.done
		c.mu.Unlock()
		c.logger.Debug("Initialize coalesced onto in-flight init", "model", m.Name)
		return done
	}
	if e.instance != nil && !force {
		c.mu.Unlock()
		return closedChan()
	}

	old := e.instance
	e.instance = nil
	e.initializing = true
	e.cleanUpAfterInit = false
	e.generation++
	gen := e.generation
	done := make(chan struct{})
	e.done = done
	if old != nil {
		c.publishLocked(m.Name, InitializationStatus{Status: StatusNotInitialized})
	}
	c.mu.Unlock()

	visibility := time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.entries[m.Name] == e && e.instance == nil && e.initializing && e.generation == gen {
			c.publishLocked(m.Name, InitializationStatus{Status: StatusInitializing})
		}
	})

	go func() {
		defer close(done)
		defer visibility.Stop()
		c.runInit(context.WithoutCancel(ctx), m, e, gen, old)
	}()
	return done
}

func (c *Coordinator) runInit(ctx context.Context, m *catalog.Model, e *entry, gen uint64, old Instance) {
	ctx, span := startInitSpan(ctx, m.Name)
	defer span.End()
	start := time.Now()

	if old != nil {
		if err := c.safeCleanup(ctx, old); err != nil {
			c.logger.Warn("Cleanup before re-initialize failed", "model", m.Name, "error", err)
		}
	}

	inst, err := c.safeInitialize(ctx, m)
	switch {
	case inst != nil:
		err = nil
	case err == nil:
		err = errNoInstance
	}

	c.mu.Lock()
	orphaned := c.entries[m.Name] != e || e.generation != gen
	e.initializing = false
	var deferred bool
	switch {
	case orphaned:
	case inst != nil:
		e.instance = inst
		deferred = e.cleanUpAfterInit
		c.publishLocked(m.Name, InitializationStatus{Status: StatusInitialized})
	default:
		c.publishLocked(m.Name, InitializationStatus{Status: StatusError, Error: err.Error()})
	}
	e.cleanUpAfterInit = false
	c.mu.Unlock()

	recordInit(ctx, span, time.Since(start), err)

	switch {
	case orphaned:
		if inst != nil {
			if err := c.safeCleanup(ctx, inst); err != nil {
				c.logger.Warn("Cleanup of superseded instance failed", "model", m.Name, "error", err)
			}
		}
	case inst != nil:
		c.logger.Info("Model initialized", "model", m.Name, "duration", time.Since(start))
		if deferred {
			c.logger.Info("Running deferred cleanup", "model", m.Name)
			if err := c.Cleanup(ctx, m.Name); err != nil {
				c.logger.Warn("Deferred cleanup failed", "model", m.Name, "error", err)
			}
		}
	default:
		c.logger.Error("Model initialization failed", "model", m.Name, "error", err)
	}
}

// safeInitialize calls the backend, converting a panic into an error.
func (c *Coordinator) safeInitialize(ctx context.Context, m *catalog.Model) (inst Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return c.backend.Initialize(ctx, m, m.ResolvedPath(c.baseDir))
}

// safeCleanup releases inst, converting a panic into an error.
func (c *Coordinator) safeCleanup(ctx context.Context, inst Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return c.backend.Cleanup(ctx, inst)
}

// Cleanup releases name's instance. With no instance but an init in
// flight, it only requests cleanup after that init completes.
//
// A failing or panicking backend leaves the model in ERROR with the
// backend's message, unless a newer init has started meanwhile.
func (c *Coordinator) Cleanup(ctx context.Context, name string) error {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if e.instance == nil {
		if e.initializing {
			e.cleanUpAfterInit = true
			c.logger.Debug("Cleanup deferred until init completes", "model", name)
		}
		c.mu.Unlock()
		return nil
	}
	inst := e.instance
	e.instance = nil
	e.initializing = false
	gen := e.generation
	c.publishLocked(name, InitializationStatus{Status: StatusNotInitialized})
	c.mu.Unlock()

	ctx, span := startCleanupSpan(ctx, name)
	defer span.End()
	recordCleanup(ctx)

	if err := c.safeCleanup(ctx, inst); err != nil {
		c.logger.Warn("Backend cleanup failed", "model", name, "error", err)
		c.mu.Lock()
		if c.entries[name] == e && e.generation == gen && e.instance == nil && !e.initializing {
			c.publishLocked(name, InitializationStatus{Status: StatusError, Error: err.Error()})
		}
		c.mu.Unlock()
		return fmt.Errorf("cleanup %s: %w", name, err)
	}
	c.logger.Info("Model cleaned up", "model", name)
	return nil
}

// Run forwards one inference to name's instance.
func (c *Coordinator) Run(ctx context.Context, name, input string) (string, error) {
	c.mu.Lock()
	var inst Instance
	if e, ok := c.entries[name]; ok {
		inst = e.instance
	}
	c.mu.Unlock()

	if inst == nil {
		return "", fmt.Errorf("%w: %s", ErrNotInitialized, name)
	}
	return c.backend.Run(ctx, inst, input)
}

// CleanupAll releases every instance.
func (c *Coordinator) CleanupAll(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		_ = c.Cleanup(ctx, name)
	}
}

// publishLocked stores s for name. Requires c.mu.
func (c *Coordinator) publishLocked(name string, s InitializationStatus) {
	c.statuses.Update(func(cur map[string]InitializationStatus) map[string]InitializationStatus {
		next := state.CloneMap(cur, 1)
		next[name] = s
		return next
	})
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
