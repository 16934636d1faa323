// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// TempSuffix marks a resumable, partially transferred file.
	TempSuffix = ".tmp"

	// ImportsDir is the directory under the base dir that holds imported
	// model files.
	ImportsDir = "__imports"

	// ImportedVersion is the version segment used for imported models.
	ImportedVersion = "_"
)

var (
	// ErrInvalidModelName indicates an empty name or one containing a path
	// separator.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrMissingDownloadFileName indicates a model without a file name.
	ErrMissingDownloadFileName = errors.New("download file name is required")

	// ErrUnsafePath indicates an on-disk name that would resolve outside
	// the model directory.
	ErrUnsafePath = errors.New("file name must be a plain local name")

	nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// ExtraDataFile is an additional file fetched alongside the main model file
// (tokenizers, vision encoders, ...).
type ExtraDataFile struct {
	Name             string `json:"name"`
	URL              string `json:"url"`
	DownloadFileName string `json:"downloadFileName"`
	SizeInBytes      int64  `json:"sizeInBytes"`
}

// Model describes one downloadable (or imported) model.
//
// # Description
//
// Model is a descriptor only. It carries no runtime instance and no
// initialization flags: those belong to the lifecycle coordinator, and
// download state belongs to the download tracker. Once a Model has been
// published through the Registry it must be treated as immutable.
//
// # Invariants
//
//   - Name is unique across the registry and contains no path separator.
//   - TotalBytes() == SizeInBytes + sum(ExtraDataFiles[i].SizeInBytes).
type Model struct {
	// Name is the unique identity of the model.
	Name string `json:"name"`

	// Description is free text shown by list commands.
	Description string `json:"description,omitempty"`

	// URL is the remote location of the main model file.
	URL string `json:"url"`

	// SizeInBytes is the declared size of the main file.
	SizeInBytes int64 `json:"sizeInBytes"`

	// ExtraDataFiles are downloaded next to the main file.
	ExtraDataFiles []ExtraDataFile `json:"extraDataFiles,omitempty"`

	// DownloadFileName is the on-disk name of the main file.
	DownloadFileName string `json:"downloadFileName"`

	// Version is the path segment under the model dir (commit hash for
	// allowlisted models).
	Version string `json:"version"`

	// LocalFilePathOverride points at a manually placed file. When set and
	// present on disk the model counts as downloaded. It is never deleted.
	LocalFilePathOverride string `json:"localFilePathOverride,omitempty"`

	// IsZip marks archive models that are expanded after transfer.
	IsZip bool `json:"isZip,omitempty"`

	// UnzipDir is the directory name (under the model dir) archives expand into.
	UnzipDir string `json:"unzipDir,omitempty"`

	// LearnMoreURL is the model page; for gated models it is where the
	// publisher agreement is accepted.
	LearnMoreURL string `json:"learnMoreUrl,omitempty"`

	LLMSupportImage bool `json:"llmSupportImage,omitempty"`
	LLMSupportAudio bool `json:"llmSupportAudio,omitempty"`

	// Imported marks a user-imported model. Imported models are removed
	// from the registry on delete; catalog models are only reset.
	Imported bool `json:"imported,omitempty"`
}

// -----------------------------------------------------------------------------
// Methods
// -----------------------------------------------------------------------------

// TotalBytes returns the size of the main file plus all extra files.
func (m *Model) TotalBytes() int64 {
	total := m.SizeInBytes
	for _, f := range m.ExtraDataFiles {
		total += f.SizeInBytes
	}
	return total
}

// Validate checks the identity and local descriptor invariants.
func (m *Model) Validate() error {
	if m.Name == "" || strings.ContainsAny(m.Name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidModelName, m.Name)
	}
	if m.DownloadFileName == "" {
		return fmt.Errorf("%w (model: %s)", ErrMissingDownloadFileName, m.Name)
	}
	if !IsPlainFileName(m.DownloadFileName) {
		return fmt.Errorf("%w: %q (model: %s)", ErrUnsafePath, m.DownloadFileName, m.Name)
	}
	for _, f := range m.ExtraDataFiles {
		if !IsPlainFileName(f.DownloadFileName) {
			return fmt.Errorf("%w: %q (model: %s)", ErrUnsafePath, f.DownloadFileName, m.Name)
		}
	}
	if m.Version != "" && !IsPlainFileName(m.Version) {
		return fmt.Errorf("%w: version %q (model: %s)", ErrUnsafePath, m.Version, m.Name)
	}
	if m.UnzipDir != "" && !IsPlainFileName(m.UnzipDir) {
		return fmt.Errorf("%w: %q (model: %s)", ErrUnsafePath, m.UnzipDir, m.Name)
	}
	return nil
}

// IsPlainFileName reports whether name is a single local path element:
// non-empty, free of separators, and neither "." nor "..".
func IsPlainFileName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.IsLocal(name)
}

// NormalizedName maps the model name to a filesystem-safe directory name.
func (m *Model) NormalizedName() string {
	return NormalizeName(m.Name)
}

// NormalizeName replaces every non-alphanumeric rune with an underscore.
func NormalizeName(name string) string {
	return nonAlnum.ReplaceAllString(name, "_")
}

// Dir returns {baseDir}/{normalizedName}/{version}, or the imports dir for
// imported models.
func (m *Model) Dir(baseDir string) string {
	if m.Imported {
		return filepath.Join(baseDir, ImportsDir)
	}
	version := m.Version
	if version == "" {
		version = ImportedVersion
	}
	return filepath.Join(baseDir, m.NormalizedName(), version)
}

// FilePath returns the final path of the main model file.
func (m *Model) FilePath(baseDir string) string {
	return filepath.Join(m.Dir(baseDir), m.DownloadFileName)
}

// TempPath returns the resumable temp artifact of the main model file.
func (m *Model) TempPath(baseDir string) string {
	return m.FilePath(baseDir) + TempSuffix
}

// UnzipPath returns the expansion directory of an archive model, or "" for
// plain models.
func (m *Model) UnzipPath(baseDir string) string {
	if !m.IsZip || m.UnzipDir == "" {
		return ""
	}
	return filepath.Join(m.Dir(baseDir), m.UnzipDir)
}

// ExtraFilePath returns the final path of an extra data file.
func (m *Model) ExtraFilePath(baseDir string, f ExtraDataFile) string {
	return filepath.Join(m.Dir(baseDir), f.DownloadFileName)
}

// HasOverride reports whether LocalFilePathOverride is set and names an
// existing file.
func (m *Model) HasOverride() bool {
	if m.LocalFilePathOverride == "" {
		return false
	}
	info, err := os.Stat(m.LocalFilePathOverride)
	return err == nil && !info.IsDir()
}

// ResolvedPath returns the path a backend should load: the override if
// present, the unzip dir for archive models, else the main file.
func (m *Model) ResolvedPath(baseDir string) string {
	if m.HasOverride() {
		return m.LocalFilePathOverride
	}
	if p := m.UnzipPath(baseDir); p != "" {
		return p
	}
	return m.FilePath(baseDir)
}

// Clone returns a deep copy safe to modify before publication.
func (m *Model) Clone() *Model {
	c := *m
	if m.ExtraDataFiles != nil {
		c.ExtraDataFiles = append([]ExtraDataFile(nil), m.ExtraDataFiles...)
	}
	return &c
}
