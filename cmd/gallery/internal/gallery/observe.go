// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gallery

import (
	"context"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/allowlist"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/download"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/lifecycle"
)

// Snapshot is a consistent-enough view of the whole gallery. Each part is
// an atomic snapshot; the parts are read one after the other.
type Snapshot struct {
	Tasks     []catalog.Task                            `json:"tasks"`
	Downloads map[string]download.DownloadStatus        `json:"downloads"`
	Inits     map[string]lifecycle.InitializationStatus `json:"initializations"`
}

// Snapshot returns the current tasks, download and init statuses.
func (s *Service) Snapshot() Snapshot {
	return Snapshot{
		Tasks:     s.registry.Tasks(),
		Downloads: s.tracker.Snapshot(),
		Inits:     s.coordinator.Snapshot(),
	}
}

// ModelView joins one model with its statuses.
type ModelView struct {
	Model    *catalog.Model                 `json:"model"`
	Tasks    []string                       `json:"tasks"`
	Download download.DownloadStatus        `json:"download"`
	Init     lifecycle.InitializationStatus `json:"initialization"`
}

// Models returns a view of every model in registry order.
func (s *Service) Models() []ModelView {
	snap := s.Snapshot()
	seen := make(map[string]bool)
	var out []ModelView
	for _, t := range snap.Tasks {
		for _, m := range t.Models {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			out = append(out, s.view(m, snap))
		}
	}
	return out
}

// Model returns the view of one model.
func (s *Service) Model(name string) (ModelView, bool) {
	m, ok := s.registry.Model(name)
	if !ok {
		return ModelView{}, false
	}
	return s.view(m, s.Snapshot()), true
}

func (s *Service) view(m *catalog.Model, snap Snapshot) ModelView {
	dl, ok := snap.Downloads[m.Name]
	if !ok {
		dl = download.NotDownloaded()
	}
	in, ok := snap.Inits[m.Name]
	if !ok {
		in = lifecycle.InitializationStatus{Status: lifecycle.StatusNotInitialized}
	}
	return ModelView{
		Model:    m,
		Tasks:    s.registry.TasksForModel(m.Name),
		Download: dl,
		Init:     in,
	}
}

// Subscribe returns a channel that receives a signal after any change to
// tasks, download or init statuses. Bursts coalesce into one signal. The
// channel closes when ctx is done.
func (s *Service) Subscribe(ctx context.Context) <-chan struct{} {
	tasks := s.registry.Subscribe(ctx)
	downloads := s.tracker.Subscribe(ctx)
	inits := s.coordinator.Subscribe(ctx)

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-tasks:
				if !ok {
					return
				}
			case _, ok := <-downloads:
				if !ok {
					return
				}
			case _, ok := <-inits:
				if !ok {
					return
				}
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out
}

// WatchAllowlist rebuilds the registry whenever the local allowlist file
// changes, until ctx is done. It is a no-op without an allowlist source.
func (s *Service) WatchAllowlist(ctx context.Context) error {
	if s.allowlist == nil || s.allowlist.FallbackPath() == "" {
		return nil
	}
	return allowlist.Watch(ctx, s.allowlist.FallbackPath(), allowlist.DefaultDebounce, s.logger, func() {
		if err := s.Build(ctx); err != nil {
			s.logger.Warn("Registry rebuild after allowlist change failed", "error", err)
		}
	})
}
