// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gallery is the orchestration service: it owns the model
// registry, the download tracker and the lifecycle coordinator, and runs
// the access/token flow in front of every download.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/access"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/allowlist"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/auth"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/download"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/lifecycle"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/store"
)

var tracer = otel.Tracer("gallery.service")

var (
	// ErrNotDownloaded is returned when initializing a model whose
	// artifacts are not complete.
	ErrNotDownloaded = errors.New("model is not downloaded")

	// ErrNameConflict is returned when an import would shadow a catalog
	// model.
	ErrNameConflict = errors.New("a catalog model with this name exists")
)

// ImportStore persists imported models.
type ImportStore interface {
	Put(ctx context.Context, rec store.ImportRecord) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]store.ImportRecord, error)
}

// Config wires a Service. Transfer, Tokens and Backend are required.
type Config struct {
	BaseDir string

	// TaskIDs seeds the registry. Default: catalog.DefaultTaskIDs.
	TaskIDs []string

	// Allowlist may be nil; the registry then holds imports only.
	Allowlist *allowlist.Source

	Transfer download.Transfer
	Prober   access.Prober
	Tokens   *auth.Manager
	Backend  lifecycle.Backend
	Imports  ImportStore

	VisibilityDelay time.Duration

	Logger *slog.Logger
}

// Service is the explicitly constructed orchestration entry point. Build
// it once at the composition root and pass it to the CLI and server.
//
// # Thread Safety
//
// Service is safe for concurrent use.
type Service struct {
	baseDir     string
	registry    *catalog.Registry
	tracker     *download.Tracker
	coordinator *lifecycle.Coordinator
	prober      access.Prober
	tokens      *auth.Manager
	allowlist   *allowlist.Source
	imports     ImportStore
	logger      *slog.Logger

	buildMu sync.Mutex
	now     func() time.Time
}

// New validates cfg and assembles the service. Call Build before use.
func New(cfg Config) (*Service, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("base dir is required")
	}
	if cfg.Transfer == nil {
		return nil, errors.New("transfer is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token manager is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("model backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prober == nil {
		cfg.Prober = access.NewGate(nil, logger)
	}
	taskIDs := cfg.TaskIDs
	if len(taskIDs) == 0 {
		taskIDs = catalog.DefaultTaskIDs
	}

	return &Service{
		baseDir:  cfg.BaseDir,
		registry: catalog.NewRegistry(taskIDs...),
		tracker:  download.NewTracker(cfg.BaseDir, cfg.Transfer, logger),
		coordinator: lifecycle.NewCoordinator(lifecycle.Config{
			Backend:         cfg.Backend,
			BaseDir:         cfg.BaseDir,
			VisibilityDelay: cfg.VisibilityDelay,
			Logger:          logger,
		}),
		prober:    cfg.Prober,
		tokens:    cfg.Tokens,
		allowlist: cfg.Allowlist,
		imports:   cfg.Imports,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Registry exposes the model catalog.
func (s *Service) Registry() *catalog.Registry { return s.registry }

// Tracker exposes download state.
func (s *Service) Tracker() *download.Tracker { return s.tracker }

// Coordinator exposes initialization state.
func (s *Service) Coordinator() *lifecycle.Coordinator { return s.coordinator }

// Tokens exposes the token manager.
func (s *Service) Tokens() *auth.Manager { return s.tokens }

// =============================================================================
// Build and recovery
// =============================================================================

// Build (re)builds the registry from the allowlist and persisted imports,
// derives download state from disk and resumes partial downloads.
//
// # Description
//
// An allowlist failure is logged and the previous catalog models are kept.
// Every in-flight transfer is cancelled before statuses are recomputed and
// restarted afterwards if its model is still listed.
func (s *Service) Build(ctx context.Context) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	ctx, span := tracer.Start(ctx, "Service.Build")
	defer span.End()

	var tasks []catalog.Task
	if s.allowlist != nil {
		loaded, err := s.allowlist.Load(ctx)
		if err != nil {
			s.logger.Warn("Allowlist unavailable, keeping current catalog", "error", err)
			tasks = s.catalogTasks()
		} else {
			tasks = loaded
		}
	}

	active := s.activeDownloads()
	if err := s.tracker.CancelAll(ctx); err != nil {
		return fmt.Errorf("cancel transfers: %w", err)
	}

	s.registry.Replace(tasks)
	s.restoreImports(ctx)

	models := s.registry.Models()
	s.tracker.Reset(models)
	present := make(map[string]bool, len(models))
	for _, m := range models {
		present[m.Name] = true
		s.coordinator.Register(m.Name)
	}
	for name := range s.coordinator.Snapshot() {
		if !present[name] {
			if err := s.coordinator.Remove(ctx, name); err != nil {
				s.logger.Warn("Failed to release instance of dropped model", "model", name, "error", err)
			}
		}
	}
	s.logger.Info("Registry built", "models", len(models))

	return s.resumePartial(ctx, active)
}

// catalogTasks returns the current tasks without imported models.
func (s *Service) catalogTasks() []catalog.Task {
	current := s.registry.Tasks()
	out := make([]catalog.Task, 0, len(current))
	for _, t := range current {
		models := make([]*catalog.Model, 0, len(t.Models))
		for _, m := range t.Models {
			if !m.Imported {
				models = append(models, m)
			}
		}
		out = append(out, catalog.Task{ID: t.ID, Models: models})
	}
	return out
}

func (s *Service) restoreImports(ctx context.Context) {
	if s.imports == nil {
		return
	}
	records, err := s.imports.List(ctx)
	if err != nil {
		s.logger.Warn("Failed to load imported models", "error", err)
		return
	}
	for _, rec := range records {
		m := rec.Model
		m.Imported = true
		taskIDs := s.validTaskIDs(rec.TaskIDs)
		if err := s.registry.AddModel(m, taskIDs...); err != nil {
			s.logger.Warn("Failed to restore imported model", "model", m.Name, "error", err)
		}
	}
}

// Recover cancels every transfer and resumes each PARTIALLY_DOWNLOADED or
// interrupted model with a cached valid token, without probing access.
func (s *Service) Recover(ctx context.Context) error {
	active := s.activeDownloads()
	if err := s.tracker.CancelAll(ctx); err != nil {
		return fmt.Errorf("cancel transfers: %w", err)
	}
	s.tracker.Reset(s.registry.Models())
	return s.resumePartial(ctx, active)
}

// activeDownloads names the models with a transfer in flight.
func (s *Service) activeDownloads() map[string]bool {
	active := make(map[string]bool)
	for name, st := range s.tracker.Snapshot() {
		if st.Status.IsActive() {
			active[name] = true
		}
	}
	return active
}

// resumePartial restarts every PARTIALLY_DOWNLOADED model, plus the models
// in active that were interrupted before writing any bytes.
func (s *Service) resumePartial(ctx context.Context, active map[string]bool) error {
	token, _ := s.tokens.ValidToken(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, m := range s.registry.Models() {
		st, ok := s.tracker.Status(m.Name)
		if !ok {
			continue
		}
		interrupted := active[m.Name] && st.Status == download.StatusNotDownloaded
		if st.Status != download.StatusPartiallyDownloaded && !interrupted {
			continue
		}
		tasks := s.registry.TasksForModel(m.Name)
		if len(tasks) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.logger.Info("Resuming partial download", "model", m.Name, "received", st.ReceivedBytes)
			s.tracker.BeginDownload(gctx, tasks[0], m, token)
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// Delete / Cancel / Retry
// =============================================================================

// Cancel stops a download and resets the model to NOT_DOWNLOADED.
func (s *Service) Cancel(ctx context.Context, taskID, name string) error {
	m, err := s.registry.ModelInTask(taskID, name)
	if err != nil {
		return err
	}
	s.tracker.Cancel(ctx, taskID, m)
	return nil
}

// Retry restarts a model's download unless it is active or complete. It
// reports whether a transfer was started.
func (s *Service) Retry(ctx context.Context, taskID, name string) (bool, error) {
	m, err := s.registry.ModelInTask(taskID, name)
	if err != nil {
		return false, err
	}
	token, _ := s.tokens.ValidToken(ctx)
	return s.tracker.Retry(ctx, taskID, m, token), nil
}

// Delete tears down the instance, stops any transfer and removes the
// artifacts. Catalog models stay listed as NOT_DOWNLOADED; imported models
// are removed from every task along with their status records.
func (s *Service) Delete(ctx context.Context, name string) error {
	m, ok := s.registry.Model(name)
	if !ok {
		return fmt.Errorf("%w: %s", catalog.ErrModelNotFound, name)
	}

	if err := s.coordinator.Cleanup(ctx, name); err != nil && !errors.Is(err, lifecycle.ErrUnknownModel) {
		s.logger.Warn("Cleanup before delete failed", "model", name, "error", err)
	}

	if st, ok := s.tracker.Status(name); ok && st.Status.IsActive() {
		s.tracker.Cancel(ctx, "", m)
	} else {
		s.tracker.Delete(m)
	}

	if !m.Imported {
		s.logger.Info("Model deleted", "model", name)
		return nil
	}

	removed := s.registry.RemoveModel(name)
	s.tracker.Remove(name)
	if err := s.coordinator.Remove(ctx, name); err != nil {
		s.logger.Warn("Failed to release instance of removed model", "model", name, "error", err)
	}
	if s.imports != nil {
		if err := s.imports.Delete(ctx, name); err != nil {
			s.logger.Warn("Failed to forget imported model", "model", name, "error", err)
		}
	}
	s.logger.Info("Imported model removed", "model", name, "tasks", removed)
	return nil
}

// =============================================================================
// Initialization
// =============================================================================

// Initialize brings up name's instance. The returned channel closes when
// the attempt finishes; the outcome is in the coordinator's status map.
func (s *Service) Initialize(ctx context.Context, name string, force bool) (<-chan struct{}, error) {
	m, ok := s.registry.Model(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrModelNotFound, name)
	}
	if st, ok := s.tracker.Status(name); !ok || st.Status != download.StatusSucceeded {
		return nil, fmt.Errorf("%w: %s", ErrNotDownloaded, name)
	}
	return s.coordinator.Initialize(ctx, m, force), nil
}

// Cleanup releases name's instance, deferring if an init is in flight.
func (s *Service) Cleanup(ctx context.Context, name string) error {
	return s.coordinator.Cleanup(ctx, name)
}

// Run forwards one inference to name's instance.
func (s *Service) Run(ctx context.Context, name, input string) (string, error) {
	return s.coordinator.Run(ctx, name, input)
}

// Close stops every transfer and releases every instance.
func (s *Service) Close(ctx context.Context) error {
	err := s.tracker.CancelAll(ctx)
	s.coordinator.CleanupAll(ctx)
	return err
}

func (s *Service) validTaskIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if _, ok := s.registry.Task(id); ok {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, t := range s.registry.Tasks() {
		if catalog.IsLLMTask(t.ID) {
			out = append(out, t.ID)
		}
	}
	return out
}
