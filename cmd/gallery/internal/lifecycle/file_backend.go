// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// ErrArtifactMissing is returned when the model's file or directory is absent.
var ErrArtifactMissing = errors.New("model artifact not found")

// FileBackend is the stand-in runtime used when no inference engine is
// linked in. It verifies the artifact is present and readable, holds it
// open for the lifetime of the instance, and answers Run with the
// artifact's metadata.
type FileBackend struct{}

// FileInstance is the handle FileBackend produces.
type FileInstance struct {
	Model string
	Path  string
	Bytes int64

	file *os.File
}

// Initialize implements Backend.
func (FileBackend) Initialize(ctx context.Context, m *catalog.Model, path string) (Instance, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}
	if err != nil {
		return nil, err
	}

	inst := &FileInstance{Model: m.Name, Path: path}
	if info.IsDir() {
		err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			inst.Bytes += fi.Size()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		return inst, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	inst.file = f
	inst.Bytes = info.Size()
	return inst, nil
}

// Cleanup implements Backend.
func (FileBackend) Cleanup(ctx context.Context, inst Instance) error {
	fi, ok := inst.(*FileInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", inst)
	}
	if fi.file != nil {
		err := fi.file.Close()
		fi.file = nil
		return err
	}
	return nil
}

// Run implements Backend.
func (FileBackend) Run(ctx context.Context, inst Instance, input string) (string, error) {
	fi, ok := inst.(*FileInstance)
	if !ok {
		return "", fmt.Errorf("unexpected instance type %T", inst)
	}
	return fmt.Sprintf("%s (%d bytes at %s) received %d characters", fi.Model, fi.Bytes, fi.Path, len(input)), nil
}

var _ Backend = FileBackend{}
