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
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// =============================================================================
// Mock Transfer
// =============================================================================

type startCall struct {
	req        Request
	onProgress ProgressFunc
}

type fakeTransfer struct {
	mu        sync.Mutex
	starts    []startCall
	cancelled []string
	cancelAll int
	stuck     bool // Cancel blocks until its ctx is done
}

func (f *fakeTransfer) Start(_ context.Context, req Request, onProgress ProgressFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startCall{req: req, onProgress: onProgress})
}

func (f *fakeTransfer) Cancel(ctx context.Context, name string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, name)
	stuck := f.stuck
	f.mu.Unlock()
	if stuck {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeTransfer) CancelAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return nil
}

func (f *fakeTransfer) last(t *testing.T) startCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.starts)
	return f.starts[len(f.starts)-1]
}

func (f *fakeTransfer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// =============================================================================
// Helpers
// =============================================================================

func testModel() *catalog.Model {
	return &catalog.Model{
		Name:             "Gemma-3n E2B",
		URL:              "https://example.com/gemma.task",
		SizeInBytes:      100,
		DownloadFileName: "gemma.task",
		Version:          "abc123",
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
}

func newTestTracker(t *testing.T) (*Tracker, *fakeTransfer, string) {
	t.Helper()
	base := t.TempDir()
	ft := &fakeTransfer{}
	return NewTracker(base, ft, nil), ft, base
}

// =============================================================================
// ComputeInitialStatus
// =============================================================================

func TestComputeInitialStatus(t *testing.T) {
	t.Run("nothing on disk", func(t *testing.T) {
		tr, _, _ := newTestTracker(t)
		assert.Equal(t, NotDownloaded(), tr.ComputeInitialStatus(testModel()))
	})

	t.Run("temp artifact of K bytes", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		writeFile(t, m.TempPath(base), 42)

		s := tr.ComputeInitialStatus(m)
		assert.Equal(t, StatusPartiallyDownloaded, s.Status)
		assert.Equal(t, int64(42), s.ReceivedBytes)
		assert.Equal(t, int64(100), s.TotalBytes)
	})

	t.Run("completed file", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		writeFile(t, m.FilePath(base), 100)
		assert.Equal(t, StatusSucceeded, tr.ComputeInitialStatus(m).Status)
	})

	t.Run("completed file wins over stale temp", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		writeFile(t, m.FilePath(base), 100)
		writeFile(t, m.TempPath(base), 3)
		assert.Equal(t, StatusSucceeded, tr.ComputeInitialStatus(m).Status)
	})

	t.Run("missing extra file is not complete", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		extra := catalog.ExtraDataFile{Name: "tok", URL: "https://example.com/tok", DownloadFileName: "tok.bin", SizeInBytes: 10}
		m.ExtraDataFiles = []catalog.ExtraDataFile{extra}
		writeFile(t, m.FilePath(base), 100)
		writeFile(t, m.ExtraFilePath(base, extra)+catalog.TempSuffix, 4)

		s := tr.ComputeInitialStatus(m)
		assert.Equal(t, StatusPartiallyDownloaded, s.Status)
		assert.Equal(t, int64(4), s.ReceivedBytes)
		assert.Equal(t, int64(110), s.TotalBytes)
	})

	t.Run("archive model uses unzip dir", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		m.IsZip = true
		m.UnzipDir = "unzipped"
		writeFile(t, m.FilePath(base), 100)
		assert.Equal(t, StatusNotDownloaded, tr.ComputeInitialStatus(m).Status)

		require.NoError(t, os.MkdirAll(m.UnzipPath(base), 0755))
		assert.Equal(t, StatusSucceeded, tr.ComputeInitialStatus(m).Status)
	})

	t.Run("override path", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		m.LocalFilePathOverride = filepath.Join(base, "manual", "model.task")
		writeFile(t, m.LocalFilePathOverride, 10)
		assert.Equal(t, DownloadStatus{Status: StatusSucceeded}, tr.ComputeInitialStatus(m))
	})

	t.Run("override path missing on disk", func(t *testing.T) {
		tr, _, base := newTestTracker(t)
		m := testModel()
		m.LocalFilePathOverride = filepath.Join(base, "manual", "absent.task")
		assert.Equal(t, NotDownloaded(), tr.ComputeInitialStatus(m))

		writeFile(t, m.TempPath(base), 7)
		s := tr.ComputeInitialStatus(m)
		assert.Equal(t, StatusPartiallyDownloaded, s.Status)
		assert.Equal(t, int64(7), s.ReceivedBytes)
	})
}

func TestDownloadStatus_Progress(t *testing.T) {
	assert.Equal(t, 0.0, DownloadStatus{ReceivedBytes: 10, TotalBytes: 0}.Progress())
	assert.False(t, math.IsNaN(DownloadStatus{}.Progress()))
	assert.Equal(t, 0.5, DownloadStatus{ReceivedBytes: 50, TotalBytes: 100}.Progress())
	assert.Equal(t, 1.0, DownloadStatus{ReceivedBytes: 150, TotalBytes: 100}.Progress())
}

// =============================================================================
// Transitions
// =============================================================================

func TestTracker_BeginDownload(t *testing.T) {
	tr, ft, base := newTestTracker(t)
	m := testModel()
	writeFile(t, m.FilePath(base), 100)
	writeFile(t, m.TempPath(base), 30)
	tr.Add(m)

	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "tok")

	s, ok := tr.Status(m.Name)
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, s.Status)
	assert.NoFileExists(t, m.FilePath(base), "final artifact removed")
	assert.FileExists(t, m.TempPath(base), "temp artifact kept for resume")

	call := ft.last(t)
	assert.Equal(t, "tok", call.req.AccessToken)
	assert.Equal(t, catalog.TaskLLMChat, call.req.TaskID)
	assert.NotEmpty(t, call.req.SessionID)
}

func TestTracker_ProgressThenSuccess(t *testing.T) {
	tr, ft, _ := newTestTracker(t)
	m := testModel()
	tr.Add(m)
	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	cb := ft.last(t).onProgress

	cb(DownloadStatus{Status: StatusInProgress, ReceivedBytes: 40, TotalBytes: 100})
	s, _ := tr.Status(m.Name)
	assert.Equal(t, int64(40), s.ReceivedBytes)

	cb(DownloadStatus{Status: StatusSucceeded, ReceivedBytes: 100, TotalBytes: 100})
	s, _ = tr.Status(m.Name)
	assert.Equal(t, StatusSucceeded, s.Status)

	// Session is closed; later updates are ignored.
	cb(DownloadStatus{Status: StatusInProgress, ReceivedBytes: 1, TotalBytes: 100})
	s, _ = tr.Status(m.Name)
	assert.Equal(t, StatusSucceeded, s.Status)
}

func TestTracker_FailedDeletesArtifacts(t *testing.T) {
	tr, ft, base := newTestTracker(t)
	m := testModel()
	tr.Add(m)
	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	writeFile(t, m.TempPath(base), 20)

	ft.last(t).onProgress(DownloadStatus{Status: StatusFailed, ErrorMessage: "boom"})

	s, _ := tr.Status(m.Name)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "boom", s.ErrorMessage)
	assert.NoFileExists(t, m.TempPath(base))
}

func TestTracker_CancelResetsAndDropsStaleUpdates(t *testing.T) {
	tr, ft, base := newTestTracker(t)
	m := testModel()
	tr.Add(m)
	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	cb := ft.last(t).onProgress
	writeFile(t, m.TempPath(base), 20)

	tr.Cancel(context.Background(), catalog.TaskLLMChat, m)

	s, _ := tr.Status(m.Name)
	assert.Equal(t, StatusNotDownloaded, s.Status)
	assert.NoFileExists(t, m.TempPath(base))
	assert.Contains(t, ft.cancelled, m.Name)

	cb(DownloadStatus{Status: StatusInProgress, ReceivedBytes: 50, TotalBytes: 100})
	s, _ = tr.Status(m.Name)
	assert.Equal(t, StatusNotDownloaded, s.Status)
}

func TestTracker_CancelGivesUpOnStuckTransfer(t *testing.T) {
	prev := CancelWait
	CancelWait = 20 * time.Millisecond
	t.Cleanup(func() { CancelWait = prev })

	tr, ft, base := newTestTracker(t)
	ft.stuck = true
	m := testModel()
	tr.Add(m)
	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	writeFile(t, m.TempPath(base), 20)

	start := time.Now()
	tr.Cancel(context.Background(), catalog.TaskLLMChat, m)
	assert.Less(t, time.Since(start), 2*time.Second)

	s, _ := tr.Status(m.Name)
	assert.Equal(t, StatusNotDownloaded, s.Status)
	assert.NoFileExists(t, m.TempPath(base))
}

func TestTracker_SupersededSessionIgnored(t *testing.T) {
	tr, ft, _ := newTestTracker(t)
	m := testModel()
	tr.Add(m)

	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	first := ft.last(t).onProgress
	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	second := ft.last(t).onProgress

	first(DownloadStatus{Status: StatusFailed, ErrorMessage: "old"})
	s, _ := tr.Status(m.Name)
	assert.Equal(t, StatusInProgress, s.Status)

	second(DownloadStatus{Status: StatusInProgress, ReceivedBytes: 10, TotalBytes: 100})
	s, _ = tr.Status(m.Name)
	assert.Equal(t, int64(10), s.ReceivedBytes)
}

func TestTracker_Retry(t *testing.T) {
	tr, ft, _ := newTestTracker(t)
	m := testModel()
	tr.Add(m)

	assert.True(t, tr.Retry(context.Background(), catalog.TaskLLMChat, m, ""))
	assert.Equal(t, 1, ft.startCount())

	assert.False(t, tr.Retry(context.Background(), catalog.TaskLLMChat, m, ""), "no-op while in progress")
	assert.Equal(t, 1, ft.startCount())

	ft.last(t).onProgress(DownloadStatus{Status: StatusSucceeded, ReceivedBytes: 100, TotalBytes: 100})
	assert.False(t, tr.Retry(context.Background(), catalog.TaskLLMChat, m, ""), "no-op once succeeded")

	tr.MarkFailed(m, "auth")
	assert.True(t, tr.Retry(context.Background(), catalog.TaskLLMChat, m, ""))
	assert.Equal(t, 2, ft.startCount())
}

func TestTracker_DeleteAndRemove(t *testing.T) {
	tr, _, base := newTestTracker(t)
	m := testModel()
	writeFile(t, m.FilePath(base), 100)
	tr.Add(m)

	tr.Delete(m)
	s, ok := tr.Status(m.Name)
	require.True(t, ok)
	assert.Equal(t, StatusNotDownloaded, s.Status)
	assert.NoFileExists(t, m.FilePath(base))

	tr.Remove(m.Name)
	_, ok = tr.Status(m.Name)
	assert.False(t, ok)
}

func TestTracker_DeleteKeepsOverride(t *testing.T) {
	tr, _, base := newTestTracker(t)
	override := filepath.Join(base, "manual.task")
	writeFile(t, override, 10)
	m := testModel()
	m.LocalFilePathOverride = override
	tr.Add(m)

	tr.Delete(m)
	assert.FileExists(t, override)
	s, _ := tr.Status(m.Name)
	assert.Equal(t, StatusSucceeded, s.Status)
}

func TestTracker_CancelAll(t *testing.T) {
	tr, ft, _ := newTestTracker(t)
	m := testModel()
	tr.Add(m)
	tr.BeginDownload(context.Background(), catalog.TaskLLMChat, m, "")
	cb := ft.last(t).onProgress

	require.NoError(t, tr.CancelAll(context.Background()))
	assert.Equal(t, 1, ft.cancelAll)

	cb(DownloadStatus{Status: StatusFailed})
	s, _ := tr.Status(m.Name)
	assert.Equal(t, StatusInProgress, s.Status, "callbacks from cancelled sessions are dropped")
}

func TestTracker_Subscribe(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := tr.Subscribe(ctx)
	tr.Add(testModel())

	select {
	case <-ch:
	default:
		t.Fatal("expected change notification")
	}
}
