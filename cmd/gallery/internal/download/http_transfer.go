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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

const (
	// DefaultProgressInterval is the minimum gap between IN_PROGRESS updates.
	DefaultProgressInterval = 200 * time.Millisecond

	copyBufferSize = 64 * 1024
	rateWindowSize = 5 * time.Second
)

// HTTPTransferConfig configures HTTPTransfer.
type HTTPTransferConfig struct {
	// BaseDir is the model storage root (required).
	BaseDir string

	// Client performs requests. Default: no overall timeout, since
	// transfers of multi-gigabyte files are long-lived.
	Client *http.Client

	// RetryPolicy for transient failures. Default: DefaultRetryPolicy().
	RetryPolicy *RetryPolicy

	// ProgressInterval throttles IN_PROGRESS updates.
	ProgressInterval time.Duration

	// Logger for transfer events. Default: slog.Default().
	Logger *slog.Logger
}

// HTTPTransfer is the production Transfer: resumable ranged HTTP GETs into
// "<file>.tmp", renamed on completion, with archive expansion for zip
// models.
//
// # Thread Safety
//
// HTTPTransfer is safe for concurrent use. At most one transfer per model
// name runs at a time.
type HTTPTransfer struct {
	cfg    HTTPTransferConfig
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*activeTransfer
}

type activeTransfer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// fileJob is one file of a model transfer.
type fileJob struct {
	url       string
	finalPath string
	size      int64
}

// NewHTTPTransfer creates an HTTPTransfer.
func NewHTTPTransfer(cfg HTTPTransferConfig) *HTTPTransfer {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransfer{
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*activeTransfer),
	}
}

// Start implements Transfer.
func (t *HTTPTransfer) Start(ctx context.Context, req Request, onProgress ProgressFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	at := &activeTransfer{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	prev := t.active[req.Model.Name]
	if prev != nil {
		prev.cancel()
	}
	t.active[req.Model.Name] = at
	t.mu.Unlock()

	go func() {
		defer close(at.done)
		defer t.release(req.Model.Name, at)
		defer cancel()
		if prev != nil {
			// Both would write the same temp file.
			select {
			case <-prev.done:
			case <-runCtx.Done():
				return
			}
		}
		t.run(runCtx, req, onProgress)
	}()
}

// Cancel implements Transfer.
func (t *HTTPTransfer) Cancel(ctx context.Context, modelName string) error {
	t.mu.Lock()
	at, ok := t.active[modelName]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	at.cancel()
	select {
	case <-at.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll implements Transfer.
func (t *HTTPTransfer) CancelAll(ctx context.Context) error {
	t.mu.Lock()
	pending := make([]*activeTransfer, 0, len(t.active))
	for _, at := range t.active {
		at.cancel()
		pending = append(pending, at)
	}
	t.mu.Unlock()

	for _, at := range pending {
		select {
		case <-at.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Active reports the number of running transfers.
func (t *HTTPTransfer) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *HTTPTransfer) release(name string, at *activeTransfer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[name] == at {
		delete(t.active, name)
	}
}

// progress accumulates byte counts for one model transfer and emits
// throttled IN_PROGRESS updates.
type progress struct {
	total      int64
	completed  int64 // bytes of files already finished
	current    int64 // bytes of the file in flight, including resumed prefix
	floor      int64 // highest count already reported
	window     *rateWindow
	throttle   rate.Sometimes
	onProgress ProgressFunc
}

func (p *progress) received() int64 {
	return p.completed + p.current
}

// reported is received clamped to the highest count already reported. A
// server that ignores Range holds IN_PROGRESS steady until the fresh body
// overtakes the resumed count.
func (p *progress) reported() int64 {
	if n := p.received(); n > p.floor {
		p.floor = n
	}
	return p.floor
}

func (p *progress) emit(force bool) {
	now := time.Now()
	received := p.reported()
	p.window.add(now, received)

	send := func() {
		p.onProgress(DownloadStatus{
			Status:         StatusInProgress,
			ReceivedBytes:  received,
			TotalBytes:     p.total,
			BytesPerSecond: p.window.bytesPerSecond(),
			RemainingMs:    p.window.remainingMs(received, p.total),
		})
	}
	if force {
		send()
		return
	}
	p.throttle.Do(send)
}

func (t *HTTPTransfer) run(ctx context.Context, req Request, onProgress ProgressFunc) {
	model := req.Model
	logger := t.logger.With("model", model.Name, "task", req.TaskID, "session", req.SessionID)
	logger.Info("Transfer started")

	if err := os.MkdirAll(model.Dir(t.cfg.BaseDir), 0755); err != nil {
		t.fail(ctx, logger, onProgress, model, &TransferError{
			Type:    TransferErrorFilesystem,
			Model:   model.Name,
			Message: "failed to create model directory",
			Detail:  err.Error(),
			Err:     err,
		})
		return
	}

	jobs := planFiles(t.cfg.BaseDir, model)
	p := &progress{
		total:      model.TotalBytes(),
		floor:      resumedBytes(jobs),
		window:     newRateWindow(rateWindowSize),
		throttle:   rate.Sometimes{Interval: t.cfg.ProgressInterval},
		onProgress: onProgress,
	}

	for _, job := range jobs {
		if info, err := os.Stat(job.finalPath); err == nil && !info.IsDir() {
			p.completed += info.Size()
			continue
		}
		if err := t.fetchWithRetry(ctx, logger, req, job, p); err != nil {
			t.fail(ctx, logger, onProgress, model, err)
			return
		}
		p.completed += p.current
		p.current = 0
	}
	p.emit(true)

	if dest := model.UnzipPath(t.cfg.BaseDir); dest != "" {
		onProgress(DownloadStatus{
			Status:        StatusUnzipping,
			ReceivedBytes: p.received(),
			TotalBytes:    p.total,
		})
		archive := model.FilePath(t.cfg.BaseDir)
		if err := unzip(ctx, archive, dest); err != nil {
			_ = os.RemoveAll(dest)
			t.fail(ctx, logger, onProgress, model, &TransferError{
				Type:    TransferErrorUnzip,
				Model:   model.Name,
				Message: "failed to expand archive",
				Detail:  err.Error(),
				Err:     err,
			})
			return
		}
		if err := os.Remove(archive); err != nil {
			logger.Warn("Failed to remove archive after expansion", "error", err)
		}
	}

	logger.Info("Transfer succeeded", "bytes", p.received())
	onProgress(DownloadStatus{
		Status:        StatusSucceeded,
		ReceivedBytes: p.received(),
		TotalBytes:    p.total,
	})
}

func (t *HTTPTransfer) fail(ctx context.Context, logger *slog.Logger, onProgress ProgressFunc, model *catalog.Model, err error) {
	if ctx.Err() != nil {
		logger.Info("Transfer cancelled")
		return
	}
	logger.Error("Transfer failed", "error", err)
	onProgress(DownloadStatus{
		Status:       StatusFailed,
		TotalBytes:   model.TotalBytes(),
		ErrorMessage: err.Error(),
	})
}

// planFiles lists the main file followed by extra data files.
func planFiles(baseDir string, m *catalog.Model) []fileJob {
	jobs := []fileJob{{url: m.URL, finalPath: m.FilePath(baseDir), size: m.SizeInBytes}}
	for _, f := range m.ExtraDataFiles {
		jobs = append(jobs, fileJob{url: f.URL, finalPath: m.ExtraFilePath(baseDir, f), size: f.SizeInBytes})
	}
	return jobs
}

// resumedBytes counts the finished and partial bytes already on disk for
// jobs. It is the count callers see before the first update.
func resumedBytes(jobs []fileJob) int64 {
	var n int64
	for _, job := range jobs {
		if info, err := os.Stat(job.finalPath); err == nil && !info.IsDir() {
			n += info.Size()
			continue
		}
		if info, err := os.Stat(job.finalPath + catalog.TempSuffix); err == nil && !info.IsDir() {
			n += info.Size()
		}
	}
	return n
}

func (t *HTTPTransfer) fetchWithRetry(ctx context.Context, logger *slog.Logger, req Request, job fileJob, p *progress) error {
	policy := t.cfg.RetryPolicy
	for attempt := 0; ; attempt++ {
		err := t.fetchOnce(ctx, req, job, p)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempt >= policy.MaxRetries {
			return err
		}
		logger.Warn("Transient transfer error, retrying", "attempt", attempt+1, "error", err)
		if err := policy.wait(ctx, attempt); err != nil {
			return err
		}
	}
}

// fetchOnce performs one ranged GET of job into its temp file and renames
// it into place on success.
func (t *HTTPTransfer) fetchOnce(ctx context.Context, req Request, job fileJob, p *progress) error {
	name := req.Model.Name
	tmpPath := job.finalPath + catalog.TempSuffix

	var offset int64
	if info, err := os.Stat(tmpPath); err == nil {
		offset = info.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, job.url, nil)
	if err != nil {
		return &TransferError{Type: TransferErrorConnection, Model: name, Message: "invalid download URL", Detail: err.Error(), Err: err}
	}
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := t.cfg.Client.Do(httpReq)
	if err != nil {
		return &TransferError{
			Type:      TransferErrorConnection,
			Model:     name,
			Message:   "cannot reach download host",
			Detail:    err.Error(),
			Retryable: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
		p.window.reset()
	case http.StatusRequestedRangeNotSatisfiable:
		// The temp file already holds the whole object.
		p.current = offset
		return finalize(name, tmpPath, job.finalPath)
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError(name, resp.StatusCode)
	}
	p.current = offset

	file, err := os.OpenFile(tmpPath, flags, 0644)
	if err != nil {
		return &TransferError{Type: TransferErrorFilesystem, Model: name, Message: "failed to open temp file", Detail: err.Error(), Err: err}
	}

	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				file.Close()
				return &TransferError{Type: TransferErrorFilesystem, Model: name, Message: "failed to write temp file", Detail: err.Error(), Err: err}
			}
			p.current += int64(n)
			p.emit(false)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			file.Close()
			return &TransferError{
				Type:      TransferErrorConnection,
				Model:     name,
				Message:   "connection interrupted",
				Detail:    readErr.Error(),
				Retryable: true,
				Err:       readErr,
			}
		}
	}
	if err := file.Close(); err != nil {
		return &TransferError{Type: TransferErrorFilesystem, Model: name, Message: "failed to flush temp file", Detail: err.Error(), Err: err}
	}

	return finalize(name, tmpPath, job.finalPath)
}

func finalize(model, tmpPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return &TransferError{Type: TransferErrorFilesystem, Model: model, Message: "failed to create directory", Detail: err.Error(), Err: err}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return &TransferError{
			Type:    TransferErrorFilesystem,
			Model:   model,
			Message: fmt.Sprintf("failed to move %s into place", filepath.Base(finalPath)),
			Detail:  err.Error(),
			Err:     err,
		}
	}
	return nil
}

var _ Transfer = (*HTTPTransfer)(nil)
