// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is read.
const (
	EnvDataDir       = "GALLERY_DATA_DIR"
	EnvAllowlistURL  = "GALLERY_ALLOWLIST_URL"
	EnvOAuthClientID = "GALLERY_OAUTH_CLIENT_ID"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath returns ~/.gallery/gallery.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".gallery", "gallery.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run,
// then applies environment overrides and validates the result. An empty
// path means DefaultPath().
func Load(path string) (GalleryConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return GalleryConfig{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		slog.Info("First run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return GalleryConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return GalleryConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return GalleryConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	applyEnv(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return GalleryConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *GalleryConfig) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvAllowlistURL); v != "" {
		cfg.Allowlist.URL = v
	}
	if v := os.Getenv(EnvOAuthClientID); v != "" {
		cfg.Auth.ClientID = v
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
