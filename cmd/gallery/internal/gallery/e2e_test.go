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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/access"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/auth"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/download"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/lifecycle"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/store"
)

// gatedServer serves payload only to requests bearing "Bearer fresh".
func gatedServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Range") != "" {
			// Keep the transfer observable as IN_PROGRESS.
			time.Sleep(100 * time.Millisecond)
		}
		http.ServeContent(w, r, "model.task", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// slowBackend outlasts the visibility delay so INITIALIZING is published.
type slowBackend struct {
	lifecycle.FileBackend
}

func (b slowBackend) Initialize(ctx context.Context, m *catalog.Model, path string) (lifecycle.Instance, error) {
	time.Sleep(100 * time.Millisecond)
	return b.FileBackend.Initialize(ctx, m, path)
}

func TestEndToEnd_GatedDownloadThenInitialize(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 256<<10)
	srv := gatedServer(t, payload)

	db, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	baseDir := t.TempDir()
	svc, err := New(Config{
		BaseDir: baseDir,
		Transfer: download.NewHTTPTransfer(download.HTTPTransferConfig{
			BaseDir:          baseDir,
			ProgressInterval: time.Millisecond,
		}),
		Prober:          access.NewGate(srv.Client(), nil),
		Tokens:          auth.NewManager(store.NewTokenStore(db), &fakeAuthorizer{token: "fresh"}, nil),
		Backend:         slowBackend{},
		Imports:         store.NewImportStore(db),
		VisibilityDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	m := &catalog.Model{
		Name:             "Gated Model",
		URL:              srv.URL + "/resolve/main/model.task",
		SizeInBytes:      int64(len(payload)),
		DownloadFileName: "model.task",
		Version:          "main",
		LearnMoreURL:     srv.URL,
	}
	svc.Registry().Replace([]catalog.Task{{ID: catalog.TaskLLMChat, Models: []*catalog.Model{m}}})
	svc.Coordinator().Register(m.Name)
	require.NoError(t, svc.Recover(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		dlSeen   []download.Status
		initSeen []lifecycle.Status
		received []int64
	)
	record := func() {
		mu.Lock()
		defer mu.Unlock()
		snap := svc.Snapshot()
		if s := snap.Downloads[m.Name].Status; len(dlSeen) == 0 || dlSeen[len(dlSeen)-1] != s {
			dlSeen = append(dlSeen, s)
		}
		if d := snap.Downloads[m.Name]; d.Status == download.StatusInProgress {
			received = append(received, d.ReceivedBytes)
		}
		if s := snap.Inits[m.Name].Status; len(initSeen) == 0 || initSeen[len(initSeen)-1] != s {
			initSeen = append(initSeen, s)
		}
	}
	record()
	changes := svc.Subscribe(ctx)
	go func() {
		for range changes {
			record()
		}
	}()

	res, err := svc.Download(ctx, catalog.TaskLLMChat, m.Name)
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, res.Outcome)

	require.Eventually(t, func() bool {
		st, _ := svc.Tracker().Status(m.Name)
		return st.Status == download.StatusSucceeded
	}, 10*time.Second, 10*time.Millisecond)
	assert.FileExists(t, m.FilePath(baseDir))

	done, err := svc.Initialize(ctx, m.Name, false)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("initialization did not finish")
	}
	require.Eventually(t, func() bool {
		st, _ := svc.Coordinator().Status(m.Name)
		return st.Status == lifecycle.StatusInitialized
	}, 2*time.Second, 5*time.Millisecond)

	out, err := svc.Run(ctx, m.Name, "hello")
	require.NoError(t, err)
	assert.Contains(t, out, m.Name)

	record()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, download.StatusNotDownloaded, dlSeen[0])
	assert.Contains(t, dlSeen, download.StatusInProgress)
	assert.Equal(t, download.StatusSucceeded, dlSeen[len(dlSeen)-1])
	for i := 1; i < len(received); i++ {
		assert.GreaterOrEqual(t, received[i], received[i-1], "IN_PROGRESS received bytes never decrease")
	}
	assert.Equal(t, lifecycle.StatusNotInitialized, initSeen[0])
	assert.Contains(t, initSeen, lifecycle.StatusInitializing)
	assert.Equal(t, lifecycle.StatusInitialized, initSeen[len(initSeen)-1])
}
