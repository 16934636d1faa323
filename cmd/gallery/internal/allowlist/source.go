// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package allowlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// maxAllowlistBytes bounds a remote allowlist payload.
const maxAllowlistBytes = 8 << 20

// ErrNoAllowlist is returned when neither the remote source nor the
// fallback file produced a usable allowlist.
var ErrNoAllowlist = errors.New("no allowlist available")

// Fetcher retrieves the raw allowlist document.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPFetcher fetches the allowlist over HTTP(S).
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch allowlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch allowlist: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAllowlistBytes))
}

// =============================================================================
// Google Cloud Storage
// =============================================================================

// GCSFetcher fetches the allowlist from a gs://bucket/object URI.
type GCSFetcher struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSFetcher creates a GCS client. With an empty credentialsFile the
// ambient application default credentials are used.
func NewGCSFetcher(ctx context.Context, uri, credentialsFile string) (*GCSFetcher, error) {
	bucket, object, err := parseGCSURI(uri)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSFetcher{client: client, bucket: bucket, object: object}, nil
}

// Fetch implements Fetcher.
func (f *GCSFetcher) Fetch(ctx context.Context) ([]byte, error) {
	r, err := f.client.Bucket(f.bucket).Object(f.object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", f.bucket, f.object, err)
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxAllowlistBytes))
}

// Close releases the GCS client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}

func parseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs:// URI needs bucket and object: %q", uri)
	}
	return bucket, object, nil
}

// NewFetcher picks a fetcher for rawURL. An empty URL yields nil, meaning
// only the fallback file is used.
func NewFetcher(ctx context.Context, rawURL, credentialsFile string) (Fetcher, error) {
	switch {
	case rawURL == "":
		return nil, nil
	case strings.HasPrefix(rawURL, "gs://"):
		return NewGCSFetcher(ctx, rawURL, credentialsFile)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return &HTTPFetcher{URL: rawURL}, nil
	default:
		return nil, fmt.Errorf("unsupported allowlist URL %q", rawURL)
	}
}

// =============================================================================
// Source
// =============================================================================

// Source loads the allowlist from a remote fetcher with a local fallback
// file. A successful remote load refreshes the fallback file.
type Source struct {
	fetcher      Fetcher
	fallbackPath string
	logger       *slog.Logger
}

// NewSource creates a Source. fetcher may be nil.
func NewSource(fetcher Fetcher, fallbackPath string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{fetcher: fetcher, fallbackPath: fallbackPath, logger: logger}
}

// FallbackPath returns the on-disk copy location.
func (s *Source) FallbackPath() string {
	return s.fallbackPath
}

// Load returns the allowlisted tasks.
//
// # Description
//
// Tries the remote fetcher first. A remote document that fails to decode
// counts as a remote failure. On remote failure the fallback file is read.
//
// # Outputs
//
//   - []catalog.Task: Tasks built from valid entries.
//   - error: ErrNoAllowlist (wrapped) when both sources fail.
func (s *Source) Load(ctx context.Context) ([]catalog.Task, error) {
	var remoteErr error
	if s.fetcher != nil {
		data, err := s.fetcher.Fetch(ctx)
		if err == nil {
			entries, perr := Parse(data, s.logger)
			if perr == nil {
				s.writeFallback(data)
				s.logger.Info("Loaded remote allowlist", "models", len(entries))
				return ToTasks(entries), nil
			}
			err = perr
		}
		remoteErr = err
		s.logger.Warn("Remote allowlist unavailable, using local copy", "error", err)
	}

	if s.fallbackPath == "" {
		return nil, fmt.Errorf("%w: %v", ErrNoAllowlist, remoteErr)
	}
	data, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		return nil, fmt.Errorf("%w: remote: %v; local: %v", ErrNoAllowlist, remoteErr, err)
	}
	entries, err := Parse(data, s.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAllowlist, err)
	}
	s.logger.Info("Loaded local allowlist", "path", s.fallbackPath, "models", len(entries))
	return ToTasks(entries), nil
}

// writeFallback replaces the fallback file atomically when its content
// changed. Failures are logged.
func (s *Source) writeFallback(data []byte) {
	if s.fallbackPath == "" {
		return
	}
	if cur, err := os.ReadFile(s.fallbackPath); err == nil && bytes.Equal(cur, data) {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0755); err != nil {
		s.logger.Warn("Failed to create allowlist directory", "error", err)
		return
	}
	tmp := s.fallbackPath + catalog.TempSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Warn("Failed to write allowlist copy", "error", err)
		return
	}
	if err := os.Rename(tmp, s.fallbackPath); err != nil {
		s.logger.Warn("Failed to replace allowlist copy", "error", err)
	}
}
