// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/config"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/access"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/allowlist"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/auth"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/download"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/gallery"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/lifecycle"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/store"
	"github.com/AleutianAI/ModelGallery/pkg/logging"
)

// app is the composition root: every long-lived collaborator is built
// here once and torn down in Close.
type app struct {
	cfg     config.GalleryConfig
	logger  *logging.Logger
	lock    *store.DirLock
	db      *store.DB
	fetcher allowlist.Fetcher
	svc     *gallery.Service

	shutdownTelemetry func(context.Context) error
}

// newApp wires the service. The registry is not built; callers that need
// the catalog call svc.Build.
func newApp(ctx context.Context, cfg config.GalleryConfig, stderr io.Writer) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: serviceName,
		JSON:    cfg.Logging.JSON,
		Output:  stderr,
	})
	log := a.logger.Slog()

	a.shutdownTelemetry, err = initTelemetry(ctx, cfg.Telemetry, stderr)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.DataPath()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	lock, err := store.NewDirLock(dataDir)
	if err != nil {
		return nil, err
	}
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, fmt.Errorf("%w (pid %d); stop the other gallery process first", err, lock.HolderPID())
		}
		return nil, err
	}
	a.lock = lock

	key, err := store.LoadOrCreateKey(cfg.KeyPath())
	if err != nil {
		return nil, err
	}
	dbCfg := store.DefaultConfig(cfg.StoreDir())
	dbCfg.Key = key
	dbCfg.Logger = log
	a.db, err = store.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	a.fetcher, err = allowlist.NewFetcher(ctx, cfg.Allowlist.URL, cfg.Allowlist.CredentialsFile)
	if err != nil {
		return nil, err
	}
	source := allowlist.NewSource(a.fetcher, cfg.AllowlistPath(), log)

	var authorizer auth.Authorizer
	if cfg.Auth.ClientID != "" {
		authorizer, err = auth.NewOAuthAuthorizer(auth.OAuthConfig{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			AuthURL:      cfg.Auth.AuthURL,
			TokenURL:     cfg.Auth.TokenURL,
			RedirectAddr: cfg.Auth.RedirectAddr,
			Scopes:       cfg.Auth.Scopes,
			Opener: func(u string) error {
				_, err := fmt.Fprintf(stderr, "\nOpen this URL in your browser to authorize model downloads:\n\n  %s\n\n", u)
				return err
			},
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
	} else {
		log.Debug("No OAuth client configured; gated models cannot be downloaded")
	}

	client := transferClient(cfg.Transfer.HTTPTimeout)
	transfer := download.NewHTTPTransfer(download.HTTPTransferConfig{
		BaseDir: cfg.ModelsDir(),
		Client:  client,
		RetryPolicy: &download.RetryPolicy{
			MaxRetries:   cfg.Transfer.MaxRetries,
			InitialDelay: cfg.Transfer.InitialDelay,
			MaxDelay:     cfg.Transfer.MaxDelay,
			JitterFactor: 0.1,
		},
		ProgressInterval: cfg.Transfer.ProgressInterval,
		Logger:           log,
	})

	a.svc, err = gallery.New(gallery.Config{
		BaseDir:         cfg.ModelsDir(),
		Allowlist:       source,
		Transfer:        transfer,
		Prober:          access.NewGate(&http.Client{Timeout: access.DefaultProbeTimeout, Transport: client.Transport}, log),
		Tokens:          auth.NewManager(store.NewTokenStore(a.db), authorizer, log),
		Backend:         lifecycle.FileBackend{},
		Imports:         store.NewImportStore(a.db),
		VisibilityDelay: cfg.Lifecycle.VisibilityDelay,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// transferClient bounds connection setup and response headers but not
// the body, which may take hours for large models.
func transferClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// Close stops transfers, releases instances and resources in reverse
// construction order.
func (a *app) Close(ctx context.Context) {
	if a.svc != nil {
		if err := a.svc.Close(ctx); err != nil {
			a.logger.Warn("Failed to stop transfers", "error", err)
		}
	}
	if c, ok := a.fetcher.(io.Closer); ok {
		_ = c.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close store", "error", err)
		}
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("Failed to flush telemetry", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
