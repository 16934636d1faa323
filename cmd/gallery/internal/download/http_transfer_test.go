// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// recorder collects progress updates from a transfer.
type recorder struct {
	mu      sync.Mutex
	updates []DownloadStatus
	done    chan DownloadStatus
}

func newRecorder() *recorder {
	return &recorder{done: make(chan DownloadStatus, 1)}
}

func (r *recorder) record(s DownloadStatus) {
	r.mu.Lock()
	r.updates = append(r.updates, s)
	r.mu.Unlock()
	if s.Status == StatusSucceeded || s.Status == StatusFailed {
		r.done <- s
	}
}

func (r *recorder) wait(t *testing.T) DownloadStatus {
	t.Helper()
	select {
	case s := <-r.done:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
		return DownloadStatus{}
	}
}

func (r *recorder) snapshot() []DownloadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DownloadStatus(nil), r.updates...)
}

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func contentServer(t *testing.T, content []byte) (*httptest.Server, *atomic.Value) {
	t.Helper()
	lastRange := &atomic.Value{}
	lastRange.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "model.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv, lastRange
}

func transferModel(url string, size int) *catalog.Model {
	return &catalog.Model{
		Name:             "tiny",
		URL:              url,
		SizeInBytes:      int64(size),
		DownloadFileName: "model.bin",
		Version:          "v1",
	}
}

func TestHTTPTransfer_FullDownload(t *testing.T) {
	content := bytes.Repeat([]byte("a"), 200_000)
	srv, _ := contentServer(t, content)
	base := t.TempDir()
	m := transferModel(srv.URL, len(content))

	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base, RetryPolicy: fastPolicy(), ProgressInterval: time.Nanosecond})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: m}, rec.record)

	final := rec.wait(t)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, int64(len(content)), final.ReceivedBytes)

	got, err := os.ReadFile(m.FilePath(base))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, m.TempPath(base))

	var prev int64
	for _, u := range rec.snapshot() {
		assert.GreaterOrEqual(t, u.ReceivedBytes, prev, "progress is monotonic")
		prev = u.ReceivedBytes
	}
}

func TestHTTPTransfer_ResumesFromTemp(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	srv, lastRange := contentServer(t, content)
	base := t.TempDir()
	m := transferModel(srv.URL, len(content))
	require.NoError(t, os.MkdirAll(m.Dir(base), 0755))
	require.NoError(t, os.WriteFile(m.TempPath(base), content[:8], 0644))

	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base, RetryPolicy: fastPolicy()})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: m}, rec.record)

	assert.Equal(t, StatusSucceeded, rec.wait(t).Status)
	assert.Equal(t, "bytes=8-", lastRange.Load())
	got, err := os.ReadFile(m.FilePath(base))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHTTPTransfer_RangeIgnoredKeepsProgressMonotonic(t *testing.T) {
	content := bytes.Repeat([]byte("b"), 200_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)

	base := t.TempDir()
	m := transferModel(srv.URL, len(content))
	require.NoError(t, os.MkdirAll(m.Dir(base), 0755))
	resumed := int64(150_000)
	require.NoError(t, os.WriteFile(m.TempPath(base), bytes.Repeat([]byte("x"), int(resumed)), 0644))

	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base, RetryPolicy: fastPolicy(), ProgressInterval: time.Nanosecond})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: m}, rec.record)

	final := rec.wait(t)
	require.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, int64(len(content)), final.ReceivedBytes)

	prev := resumed
	for _, u := range rec.snapshot() {
		if u.Status != StatusInProgress {
			continue
		}
		assert.GreaterOrEqual(t, u.ReceivedBytes, prev, "received bytes went backwards after restart")
		prev = u.ReceivedBytes
	}

	got, err := os.ReadFile(m.FilePath(base))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHTTPTransfer_SendsBearerToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	base := t.TempDir()
	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: transferModel(srv.URL, 2), AccessToken: "hf_abc"}, rec.record)

	assert.Equal(t, StatusSucceeded, rec.wait(t).Status)
	assert.Equal(t, "Bearer hf_abc", auth.Load())
}

func TestHTTPTransfer_NotFoundFailsWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: t.TempDir(), RetryPolicy: fastPolicy()})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: transferModel(srv.URL, 10)}, rec.record)

	final := rec.wait(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPTransfer_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: t.TempDir(), RetryPolicy: fastPolicy()})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: transferModel(srv.URL, 7)}, rec.record)

	assert.Equal(t, StatusSucceeded, rec.wait(t).Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPTransfer_ExtraFilesAndUnzip(t *testing.T) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	w, err := zw.Create("weights/model.tflite")
	require.NoError(t, err)
	_, _ = w.Write([]byte("weights"))
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/model.zip":
			_, _ = w.Write(zipBuf.Bytes())
		case "/vocab.txt":
			_, _ = w.Write([]byte("vocab"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	base := t.TempDir()
	m := &catalog.Model{
		Name:             "archive",
		URL:              srv.URL + "/model.zip",
		SizeInBytes:      int64(zipBuf.Len()),
		DownloadFileName: "model.zip",
		Version:          "v1",
		IsZip:            true,
		UnzipDir:         "unzipped",
		ExtraDataFiles: []catalog.ExtraDataFile{
			{Name: "vocab", URL: srv.URL + "/vocab.txt", DownloadFileName: "vocab.txt", SizeInBytes: 5},
		},
	}

	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base, RetryPolicy: fastPolicy()})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: m}, rec.record)

	assert.Equal(t, StatusSucceeded, rec.wait(t).Status)
	assert.FileExists(t, filepath.Join(m.UnzipPath(base), "weights", "model.tflite"))
	assert.FileExists(t, m.ExtraFilePath(base, m.ExtraDataFiles[0]))
	assert.NoFileExists(t, m.FilePath(base), "archive removed after expansion")

	var sawUnzipping bool
	for _, u := range rec.snapshot() {
		if u.Status == StatusUnzipping {
			sawUnzipping = true
		}
	}
	assert.True(t, sawUnzipping)
}

func TestUnzip_RejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0644))

	err = unzip(context.Background(), archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "illegal entry path"))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestHTTPTransfer_CancelEmitsNoTerminalStatus(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	base := t.TempDir()
	m := transferModel(srv.URL, 1000)
	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base, RetryPolicy: fastPolicy()})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: m}, rec.record)

	<-started
	require.Eventually(t, func() bool { return fileExistsNonEmpty(m.TempPath(base)) }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.CancelAll(ctx))
	assert.Equal(t, 0, tr.Active())

	for _, u := range rec.snapshot() {
		assert.False(t, u.Status.IsTerminal(), "cancelled transfer emitted %s", u.Status)
	}
	assert.FileExists(t, m.TempPath(base), "temp artifact kept for resume")
}

func TestHTTPTransfer_CancelWaitsForExit(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	base := t.TempDir()
	m := transferModel(srv.URL, 1000)
	tr := NewHTTPTransfer(HTTPTransferConfig{BaseDir: base, RetryPolicy: fastPolicy()})
	rec := newRecorder()
	tr.Start(context.Background(), Request{Model: m}, rec.record)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Cancel(ctx, m.Name))
	assert.Equal(t, 0, tr.Active(), "transfer exited before Cancel returned")

	n := len(rec.snapshot())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), n, "no update after Cancel returned")
	assert.NoError(t, tr.Cancel(ctx, "not-running"))
}

func fileExistsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{401, false},
		{403, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		err := statusError("m", tt.code)
		assert.Equal(t, tt.retryable, isRetryable(err), "code %d", tt.code)
		assert.Equal(t, tt.code, err.StatusCode)
	}
	assert.Contains(t, statusError("m", 403).FullError(), "To fix:")
}
