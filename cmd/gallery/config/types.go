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
	"os"
	"path/filepath"
	"strings"
	"time"
)

// GalleryConfig is the on-disk configuration of the gallery CLI and server.
type GalleryConfig struct {
	// DataDir holds downloaded models, the encrypted store and the lock file.
	DataDir string `yaml:"data_dir" validate:"required"`

	Logging   LoggingConfig   `yaml:"logging"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Auth      AuthConfig      `yaml:"auth"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"` // daily JSON files; empty disables
	JSON  bool   `yaml:"json"`
}

type AllowlistConfig struct {
	// URL is an https:// or gs:// location. Empty means fallback file only.
	URL string `yaml:"url,omitempty" validate:"omitempty,url"`

	// FallbackPath defaults to {data_dir}/models/allowlist.json.
	FallbackPath string `yaml:"fallback_path,omitempty"`

	// Watch rebuilds the registry when the fallback file changes.
	Watch bool `yaml:"watch"`

	// CredentialsFile is a service account key for gs:// URLs.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

type AuthConfig struct {
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	AuthURL      string   `yaml:"auth_url" validate:"required,url"`
	TokenURL     string   `yaml:"token_url" validate:"required,url"`
	RedirectAddr string   `yaml:"redirect_addr" validate:"required,hostname_port"`
	Scopes       []string `yaml:"scopes"`
}

type TransferConfig struct {
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	InitialDelay     time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay         time.Duration `yaml:"max_delay" validate:"gtefield=InitialDelay"`
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"gte=0"`

	// HTTPTimeout bounds connection setup and response headers, not the
	// body transfer.
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gte=0"`
}

type LifecycleConfig struct {
	VisibilityDelay time.Duration `yaml:"visibility_delay" validate:"gte=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

type TelemetryConfig struct {
	// TraceExporter is "none", "stdout" or "otlp".
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`

	// MetricExporter is "none", "prometheus" (served on /metrics) or "stdout".
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none prometheus stdout"`

	// OTLPEndpoint is the gRPC collector address for the otlp trace exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// AllowlistPath returns the fallback allowlist location.
func (c GalleryConfig) AllowlistPath() string {
	if c.Allowlist.FallbackPath != "" {
		return expandHome(c.Allowlist.FallbackPath)
	}
	return filepath.Join(c.ModelsDir(), "allowlist.json")
}

// DataPath is DataDir with a leading ~ expanded.
func (c GalleryConfig) DataPath() string {
	return expandHome(c.DataDir)
}

// ModelsDir is the base directory of model artifacts.
func (c GalleryConfig) ModelsDir() string {
	return filepath.Join(c.DataPath(), "models")
}

// StoreDir is the encrypted database directory.
func (c GalleryConfig) StoreDir() string {
	return filepath.Join(c.DataPath(), "store")
}

// KeyPath is the database key file.
func (c GalleryConfig) KeyPath() string {
	return filepath.Join(c.DataPath(), "store.key")
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() GalleryConfig {
	dataDir := "~/.gallery"
	return GalleryConfig{
		DataDir: dataDir,
		Logging: LoggingConfig{Level: "info"},
		Allowlist: AllowlistConfig{
			Watch: true,
		},
		Auth: AuthConfig{
			AuthURL:      "https://huggingface.co/oauth/authorize",
			TokenURL:     "https://huggingface.co/oauth/token",
			RedirectAddr: "127.0.0.1:8765",
			Scopes:       []string{"read-repos"},
		},
		Transfer: TransferConfig{
			MaxRetries:       3,
			InitialDelay:     time.Second,
			MaxDelay:         30 * time.Second,
			ProgressInterval: 200 * time.Millisecond,
			HTTPTimeout:      30 * time.Second,
		},
		Lifecycle: LifecycleConfig{VisibilityDelay: 500 * time.Millisecond},
		Server:    ServerConfig{Addr: "127.0.0.1:8088"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}
