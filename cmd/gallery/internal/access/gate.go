// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package access decides whether fetching a model requires authentication
// by probing its download URL.
package access

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StatusUnknownNetworkError is returned by Probe when no HTTP status could
// be obtained. It never collides with a real status code.
const StatusUnknownNetworkError = -1

// DefaultProbeTimeout bounds one probe request.
const DefaultProbeTimeout = 15 * time.Second

var tracer = otel.Tracer("gallery.access")

// Prober is the Access Gate contract.
type Prober interface {
	// Probe issues one request to url and returns its status code, or
	// StatusUnknownNetworkError.
	Probe(ctx context.Context, url, accessToken string) int
}

// Gate probes model URLs over HTTP.
//
// # Thread Safety
//
// Gate is safe for concurrent use.
type Gate struct {
	client *http.Client
	logger *slog.Logger
}

// NewGate creates a Gate. A nil client gets DefaultProbeTimeout.
func NewGate(client *http.Client, logger *slog.Logger) *Gate {
	if client == nil {
		client = &http.Client{Timeout: DefaultProbeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{client: client, logger: logger}
}

// Probe sends a GET to url, with a bearer header when accessToken is
// non-empty, and returns the response status. The body is not read.
//
// # Outputs
//
//   - int: HTTP status code, or StatusUnknownNetworkError on any I/O error.
//
// # Limitations
//
//   - No retries; callers decide how to react to a network error.
func (g *Gate) Probe(ctx context.Context, url, accessToken string) int {
	ctx, span := tracer.Start(ctx, "access.Probe")
	defer span.End()
	span.SetAttributes(attribute.Bool("with_token", accessToken != ""))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		g.logger.Warn("Invalid probe URL", "url", url, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return StatusUnknownNetworkError
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("Probe failed", "url", url, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return StatusUnknownNetworkError
	}
	_ = resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	g.logger.Debug("Probe completed", "url", url, "status", resp.StatusCode)
	return resp.StatusCode
}

var _ Prober = (*Gate)(nil)
