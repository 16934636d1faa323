// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("gallery.auth")

// Manager owns the token lifecycle: loading, validity checks and exchange.
//
// # Description
//
// The last loaded record is cached sealed in a memguard Enclave so the
// plaintext token lives in locked memory only while in use. Concurrent
// Exchange calls share a single authorization flow.
//
// # Thread Safety
//
// Manager is safe for concurrent use.
type Manager struct {
	store      TokenStore
	authorizer Authorizer
	logger     *slog.Logger
	now        func() time.Time

	flight singleflight.Group

	// The shared flow outlives any one caller and stops when the last
	// waiting caller has gone.
	flowMu      sync.Mutex
	flowWaiters int
	flowCtx     context.Context
	flowCancel  context.CancelFunc

	mu    sync.Mutex
	cache *memguard.Enclave
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. authorizer may be nil, in which case every
// exchange fails.
func NewManager(store TokenStore, authorizer Authorizer, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      store,
		authorizer: authorizer,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the current record and its status. Store errors are logged
// and reported as NOT_STORED.
func (m *Manager) Load(ctx context.Context) (*TokenRecord, TokenStatus) {
	if rec := m.cached(); rec != nil {
		return rec, StatusOf(rec, m.now())
	}

	rec, err := m.store.LoadToken(ctx)
	if err != nil {
		m.logger.Warn("Failed to load stored token", "error", err)
		return nil, TokenNotStored
	}
	if rec != nil {
		m.setCache(rec)
	}
	return rec, StatusOf(rec, m.now())
}

// Status returns only the status of the stored token.
func (m *Manager) Status(ctx context.Context) TokenStatus {
	_, s := m.Load(ctx)
	return s
}

// ValidToken returns the access token when it is NOT_EXPIRED.
func (m *Manager) ValidToken(ctx context.Context) (string, bool) {
	rec, s := m.Load(ctx)
	if s != TokenNotExpired {
		return "", false
	}
	return rec.AccessToken, true
}

// Exchange runs the authorization flow and persists a successful result.
// Concurrent callers share one flow and receive the same result. A caller
// whose ctx ends gets USER_CANCELLED; the flow keeps running for the others
// and is cancelled only once no caller is waiting.
func (m *Manager) Exchange(ctx context.Context) ExchangeResult {
	flowCtx := m.joinFlow(ctx)
	defer m.leaveFlow()

	ch := m.flight.DoChan("exchange", func() (any, error) {
		return m.exchange(flowCtx), nil
	})
	select {
	case <-ctx.Done():
		return ExchangeResult{Outcome: ExchangeUserCancelled}
	case r := <-ch:
		return r.Val.(ExchangeResult)
	}
}

func (m *Manager) joinFlow(ctx context.Context) context.Context {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()
	if m.flowWaiters == 0 {
		m.flowCtx, m.flowCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	m.flowWaiters++
	return m.flowCtx
}

func (m *Manager) leaveFlow() {
	m.flowMu.Lock()
	defer m.flowMu.Unlock()
	m.flowWaiters--
	if m.flowWaiters == 0 {
		m.flowCancel()
		// A flow still unwinding must not hand its result to new callers.
		m.flight.Forget("exchange")
	}
}

func (m *Manager) exchange(ctx context.Context) ExchangeResult {
	ctx, span := tracer.Start(ctx, "auth.Exchange")
	defer span.End()

	if m.authorizer == nil {
		return ExchangeResult{Outcome: ExchangeFailed, Reason: "authorization is not configured"}
	}

	result := ClassifyExchange(m.authorizer.Authorize(ctx))
	span.SetAttributes(attribute.String("outcome", result.Outcome.String()))

	switch result.Outcome {
	case ExchangeSucceeded:
		if err := m.store.SaveToken(ctx, result.Record); err != nil {
			m.logger.Warn("Failed to persist token", "error", err)
		}
		m.setCache(&result.Record)
		m.logger.Info("Token exchange succeeded", "expires_at", result.Record.ExpiresAt())
	case ExchangeUserCancelled:
		m.logger.Info("Token exchange cancelled by user")
	default:
		m.logger.Warn("Token exchange failed", "reason", result.Reason)
	}
	return result
}

// Clear forgets the cached and stored token.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.cache = nil
	m.mu.Unlock()
	return m.store.ClearToken(ctx)
}

func (m *Manager) setCache(rec *TokenRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	// NewEnclave wipes data.
	enclave := memguard.NewEnclave(data)

	m.mu.Lock()
	m.cache = enclave
	m.mu.Unlock()
}

func (m *Manager) cached() *TokenRecord {
	m.mu.Lock()
	enclave := m.cache
	m.mu.Unlock()
	if enclave == nil {
		return nil
	}

	buf, err := enclave.Open()
	if err != nil {
		m.logger.Debug("Token cache unavailable", "error", err)
		return nil
	}
	defer buf.Destroy()

	var rec TokenRecord
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		return nil
	}
	return &rec
}
