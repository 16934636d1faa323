// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "":
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer good":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	g := NewGate(nil, nil)
	ctx := context.Background()

	assert.Equal(t, http.StatusUnauthorized, g.Probe(ctx, srv.URL, ""))
	assert.Equal(t, http.StatusOK, g.Probe(ctx, srv.URL, "good"))
	assert.Equal(t, http.StatusForbidden, g.Probe(ctx, srv.URL, "bad"))
}

func TestGate_NetworkErrorSentinel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewGate(nil, nil)
	assert.Equal(t, StatusUnknownNetworkError, g.Probe(context.Background(), url, ""))
	assert.Equal(t, StatusUnknownNetworkError, g.Probe(context.Background(), "://bad", ""))
}

func TestGate_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, StatusUnknownNetworkError, NewGate(nil, nil).Probe(ctx, srv.URL, ""))
}
