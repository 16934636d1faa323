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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/store"
)

// ImportOptions describes a local model file to import.
type ImportOptions struct {
	// SourcePath is the file to copy in.
	SourcePath string

	// Name defaults to the source file's base name.
	Name string

	// TaskIDs defaults to every LLM task.
	TaskIDs []string

	LLMSupportImage bool
	LLMSupportAudio bool
}

// Import copies a local model file under the imports directory and adds
// it to the registry as a downloaded model.
//
// # Description
//
// The copy goes through a temp file so a partial import never looks
// complete. Re-importing an existing imported name replaces it. The
// record is persisted so it survives registry rebuilds.
func (s *Service) Import(ctx context.Context, opts ImportOptions) (*catalog.Model, error) {
	ctx, span := tracer.Start(ctx, "Service.Import")
	defer span.End()

	info, err := os.Stat(opts.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("import source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("import source %s is a directory", opts.SourcePath)
	}

	fileName := filepath.Base(opts.SourcePath)
	name := opts.Name
	if name == "" {
		name = fileName
	}
	m := &catalog.Model{
		Name:             name,
		DownloadFileName: fileName,
		Version:          catalog.ImportedVersion,
		SizeInBytes:      info.Size(),
		LLMSupportImage:  opts.LLMSupportImage,
		LLMSupportAudio:  opts.LLMSupportAudio,
		Imported:         true,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if existing, ok := s.registry.Model(name); ok {
		if !existing.Imported {
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
		}
		if err := s.Delete(ctx, name); err != nil {
			return nil, err
		}
	}

	if err := copyFile(ctx, opts.SourcePath, m.FilePath(s.baseDir)); err != nil {
		return nil, err
	}

	taskIDs := s.validTaskIDs(opts.TaskIDs)
	if err := s.registry.AddModel(m, taskIDs...); err != nil {
		_ = os.Remove(m.FilePath(s.baseDir))
		return nil, err
	}
	s.tracker.Add(m)
	s.coordinator.Register(m.Name)

	if s.imports != nil {
		rec := store.ImportRecord{ID: uuid.NewString(), Model: m, TaskIDs: taskIDs, ImportedAt: s.now()}
		if err := s.imports.Put(ctx, rec); err != nil {
			s.logger.Warn("Failed to persist imported model", "model", name, "error", err)
		}
	}
	s.logger.Info("Model imported", "model", name, "bytes", info.Size(), "tasks", taskIDs)
	return m, nil
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create import directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + catalog.TempSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return os.Rename(tmp, dst)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
