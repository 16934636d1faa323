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
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/state"
)

// CancelWait bounds how long Cancel and MarkFailed wait for a stopped
// transfer to exit before removing its artifacts.
var CancelWait = 5 * time.Second

// Tracker maps model names to download status records and drives the
// Transfer collaborator.
//
// # Description
//
// The status map is an immutable snapshot swapped atomically on every
// change, so readers never lock. Each BeginDownload opens a session; only
// callbacks carrying the current session id for a model are applied, which
// drops late updates from cancelled or superseded transfers.
//
// # Thread Safety
//
// Tracker is safe for concurrent use. The session mutex is held only for
// map bookkeeping, never across disk or network I/O.
type Tracker struct {
	baseDir  string
	transfer Transfer
	logger   *slog.Logger

	statuses *state.Value[map[string]DownloadStatus]

	mu       sync.Mutex
	sessions map[string]string
}

// NewTracker creates a tracker rooted at baseDir.
func NewTracker(baseDir string, transfer Transfer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		baseDir:  baseDir,
		transfer: transfer,
		logger:   logger,
		statuses: state.NewValue(map[string]DownloadStatus{}),
		sessions: make(map[string]string),
	}
}

// BaseDir returns the model storage root.
func (t *Tracker) BaseDir() string {
	return t.baseDir
}

// =============================================================================
// Initial status
// =============================================================================

// ComputeInitialStatus derives a model's status from on-disk evidence.
//
// # Description
//
//   - Override path set and present on disk: SUCCEEDED with zero byte
//     counts. A missing override falls through to the checks below.
//   - Completed marker present (main and extra files, or the unzip dir for
//     archive models): SUCCEEDED.
//   - Any temp artifact present: PARTIALLY_DOWNLOADED, received = temp
//     bytes, total = model total.
//   - Otherwise NOT_DOWNLOADED.
func (t *Tracker) ComputeInitialStatus(m *catalog.Model) DownloadStatus {
	if m.HasOverride() {
		return DownloadStatus{Status: StatusSucceeded}
	}

	total := m.TotalBytes()
	if t.isComplete(m) {
		return DownloadStatus{Status: StatusSucceeded, ReceivedBytes: total, TotalBytes: total}
	}

	var tmpBytes int64
	var found bool
	for _, p := range t.tempPaths(m) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			tmpBytes += info.Size()
			found = true
		}
	}
	if found {
		return DownloadStatus{
			Status:        StatusPartiallyDownloaded,
			ReceivedBytes: tmpBytes,
			TotalBytes:    total,
		}
	}
	return NotDownloaded()
}

func (t *Tracker) isComplete(m *catalog.Model) bool {
	if dir := m.UnzipPath(t.baseDir); dir != "" {
		info, err := os.Stat(dir)
		return err == nil && info.IsDir()
	}
	if !fileExists(m.FilePath(t.baseDir)) {
		return false
	}
	for _, f := range m.ExtraDataFiles {
		if !fileExists(m.ExtraFilePath(t.baseDir, f)) {
			return false
		}
	}
	return true
}

// Reset rebuilds the whole status map from disk for models.
func (t *Tracker) Reset(models []*catalog.Model) {
	next := make(map[string]DownloadStatus, len(models))
	for _, m := range models {
		next[m.Name] = t.ComputeInitialStatus(m)
	}
	t.statuses.Store(next)
}

// Add computes and stores the initial status of one model.
func (t *Tracker) Add(m *catalog.Model) DownloadStatus {
	s := t.ComputeInitialStatus(m)
	t.set(m.Name, s)
	return s
}

// Remove drops a model's status record and any session.
func (t *Tracker) Remove(name string) {
	t.mu.Lock()
	t.endSessionLocked(name)
	t.statuses.Update(func(cur map[string]DownloadStatus) map[string]DownloadStatus {
		next := state.CloneMap(cur, 0)
		delete(next, name)
		return next
	})
	t.mu.Unlock()
}

// =============================================================================
// Observation
// =============================================================================

// Status returns the record for name.
func (t *Tracker) Status(name string) (DownloadStatus, bool) {
	s, ok := t.statuses.Load()[name]
	return s, ok
}

// Snapshot returns the current status map. Callers must not modify it.
func (t *Tracker) Snapshot() map[string]DownloadStatus {
	return t.statuses.Load()
}

// Subscribe returns a coalescing change signal closed when ctx is done.
func (t *Tracker) Subscribe(ctx context.Context) <-chan struct{} {
	return t.statuses.Subscribe(ctx)
}

// =============================================================================
// Transitions
// =============================================================================

// BeginDownload marks m IN_PROGRESS, removes stale final artifacts and
// starts the transfer. Temp artifacts are kept so the transfer can resume.
//
// The transfer outlives ctx's cancellation; use Cancel to stop it.
func (t *Tracker) BeginDownload(ctx context.Context, taskID string, m *catalog.Model, accessToken string) {
	session := uuid.NewString()
	received := t.ComputeInitialStatus(m).ReceivedBytes
	if t.isComplete(m) {
		received = 0
	}

	t.mu.Lock()
	if _, had := t.sessions[m.Name]; !had {
		downloadsActive.Inc()
	}
	t.sessions[m.Name] = session
	t.set(m.Name, DownloadStatus{
		Status:        StatusInProgress,
		ReceivedBytes: received,
		TotalBytes:    m.TotalBytes(),
	})
	t.mu.Unlock()

	downloadsStarted.WithLabelValues(taskID).Inc()
	t.logger.Info("Download started", "model", m.Name, "task", taskID, "session", session)

	t.removeAll(m, t.finalPaths(m))

	req := Request{TaskID: taskID, Model: m, AccessToken: accessToken, SessionID: session}
	t.transfer.Start(context.WithoutCancel(ctx), req, func(s DownloadStatus) {
		t.applySession(m, session, s)
	})
}

// applySession applies s only when session is still current for m.
func (t *Tracker) applySession(m *catalog.Model, session string, s DownloadStatus) {
	t.mu.Lock()
	if t.sessions[m.Name] != session {
		t.mu.Unlock()
		t.logger.Debug("Dropping stale transfer update", "model", m.Name, "session", session, "status", s.Status)
		return
	}
	if prev, ok := t.Status(m.Name); ok && s.ReceivedBytes > prev.ReceivedBytes {
		downloadBytes.Add(float64(s.ReceivedBytes - prev.ReceivedBytes))
	}
	if s.Status.IsTerminal() {
		t.endSessionLocked(m.Name)
		downloadsFinished.WithLabelValues(s.Status.String()).Inc()
	}
	t.set(m.Name, s)
	t.mu.Unlock()

	t.afterUpdate(m, s)
}

// OnStatusUpdated replaces m's record with s. FAILED and NOT_DOWNLOADED
// remove every artifact of m, partial or complete.
func (t *Tracker) OnStatusUpdated(m *catalog.Model, s DownloadStatus) {
	t.set(m.Name, s)
	t.afterUpdate(m, s)
}

func (t *Tracker) afterUpdate(m *catalog.Model, s DownloadStatus) {
	switch s.Status {
	case StatusFailed, StatusNotDownloaded:
		t.removeAll(m, t.allPaths(m))
	case StatusSucceeded:
		t.logger.Info("Download succeeded", "model", m.Name, "bytes", s.ReceivedBytes)
	}
}

// Cancel stops m's transfer and resets it to NOT_DOWNLOADED. Artifacts are
// removed only after the transfer has exited, or after CancelWait.
func (t *Tracker) Cancel(ctx context.Context, taskID string, m *catalog.Model) {
	t.mu.Lock()
	if t.endSessionLocked(m.Name) {
		downloadsCancelled.Inc()
	}
	t.mu.Unlock()

	t.stopTransfer(ctx, m)

	t.logger.Info("Download cancelled", "model", m.Name, "task", taskID)
	t.Delete(m)
}

// Delete removes m's artifacts and resets its record. Models with an
// override path keep every file and have their status recomputed.
func (t *Tracker) Delete(m *catalog.Model) {
	if m.LocalFilePathOverride != "" {
		t.set(m.Name, t.ComputeInitialStatus(m))
		return
	}
	t.OnStatusUpdated(m, NotDownloaded())
}

// MarkFailed ends any session for m and records FAILED with msg.
func (t *Tracker) MarkFailed(m *catalog.Model, msg string) {
	t.mu.Lock()
	t.endSessionLocked(m.Name)
	t.mu.Unlock()
	t.stopTransfer(context.Background(), m)

	t.OnStatusUpdated(m, DownloadStatus{
		Status:       StatusFailed,
		TotalBytes:   m.TotalBytes(),
		ErrorMessage: msg,
	})
}

// Retry restarts m unless it is active or already SUCCEEDED. It reports
// whether a transfer was started.
func (t *Tracker) Retry(ctx context.Context, taskID string, m *catalog.Model, accessToken string) bool {
	if s, ok := t.Status(m.Name); ok && (s.Status.IsActive() || s.Status == StatusSucceeded) {
		return false
	}
	t.BeginDownload(ctx, taskID, m, accessToken)
	return true
}

// CancelAll stops every transfer and waits for them to exit. Statuses are
// left as they are; callers recompute them from disk afterwards.
func (t *Tracker) CancelAll(ctx context.Context) error {
	t.mu.Lock()
	for name := range t.sessions {
		t.endSessionLocked(name)
	}
	t.mu.Unlock()
	return t.transfer.CancelAll(ctx)
}

// =============================================================================
// Helpers
// =============================================================================

// stopTransfer cancels m's transfer and waits up to CancelWait for it to
// exit so a late rename cannot land after artifacts are removed.
func (t *Tracker) stopTransfer(ctx context.Context, m *catalog.Model) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CancelWait)
	defer cancel()
	if err := t.transfer.Cancel(waitCtx, m.Name); err != nil {
		t.logger.Warn("Transfer did not stop in time", "model", m.Name, "error", err)
	}
}

func (t *Tracker) set(name string, s DownloadStatus) {
	t.statuses.Update(func(cur map[string]DownloadStatus) map[string]DownloadStatus {
		next := state.CloneMap(cur, 1)
		next[name] = s
		return next
	})
}

// endSessionLocked clears name's session. Requires t.mu.
func (t *Tracker) endSessionLocked(name string) bool {
	if _, ok := t.sessions[name]; !ok {
		return false
	}
	delete(t.sessions, name)
	downloadsActive.Dec()
	return true
}

func (t *Tracker) finalPaths(m *catalog.Model) []string {
	paths := []string{m.FilePath(t.baseDir)}
	for _, f := range m.ExtraDataFiles {
		paths = append(paths, m.ExtraFilePath(t.baseDir, f))
	}
	if dir := m.UnzipPath(t.baseDir); dir != "" {
		paths = append(paths, dir)
	}
	return paths
}

func (t *Tracker) tempPaths(m *catalog.Model) []string {
	paths := []string{m.TempPath(t.baseDir)}
	for _, f := range m.ExtraDataFiles {
		paths = append(paths, m.ExtraFilePath(t.baseDir, f)+catalog.TempSuffix)
	}
	return paths
}

func (t *Tracker) allPaths(m *catalog.Model) []string {
	return append(t.finalPaths(m), t.tempPaths(m)...)
}

// removeAll deletes paths, logging and swallowing failures.
func (t *Tracker) removeAll(m *catalog.Model, paths []string) {
	if m.LocalFilePathOverride != "" {
		return
	}
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			artifactDeleteErrors.Inc()
			t.logger.Warn("Failed to delete download artifact", "model", m.Name, "path", p, "error", err)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
