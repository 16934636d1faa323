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
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/download"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/gallery"
)

const progressBarWidth = 20

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// progressRenderer prints download statuses for one model. On a terminal
// it redraws a single bar line; otherwise it prints one line per status
// change.
type progressRenderer struct {
	w    io.Writer
	tty  bool
	last download.Status
	drew bool
}

func newProgressRenderer(w io.Writer, tty bool) *progressRenderer {
	return &progressRenderer{w: w, tty: tty}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Render draws s for the named model.
func (r *progressRenderer) Render(name string, s download.DownloadStatus) {
	changed := s.Status != r.last
	r.last = s.Status

	if !r.tty {
		if changed {
			fmt.Fprintf(r.w, "%s: %s\n", sanitizeForTerminal(name), s.Status)
		}
		return
	}

	if s.Status == download.StatusInProgress && s.TotalBytes > 0 {
		eta := time.Duration(s.RemainingMs) * time.Millisecond
		fmt.Fprintf(r.w, "\r  ⏳ %s [%s] %.1f%% (%s / %s) %s %s   ",
			sanitizeForTerminal(truncateString(name, 30)),
			buildProgressBar(s.Progress(), progressBarWidth),
			s.Progress()*100,
			formatBytes(s.ReceivedBytes),
			formatBytes(s.TotalBytes),
			formatRate(float64(s.BytesPerSecond)),
			formatETA(eta),
		)
		r.drew = true
		return
	}
	if changed {
		fmt.Fprintf(r.w, "\r  ⏳ %s: %s   ", sanitizeForTerminal(truncateString(name, 30)), s.Status)
		r.drew = true
	}
}

// Complete finishes the display with a final line.
func (r *progressRenderer) Complete(name string, s download.DownloadStatus) {
	if r.tty && r.drew {
		fmt.Fprint(r.w, "\r\033[K")
	}
	switch s.Status {
	case download.StatusSucceeded:
		fmt.Fprintf(r.w, "  ✓ %s downloaded (%s)\n", sanitizeForTerminal(name), formatBytes(s.TotalBytes))
	case download.StatusFailed:
		fmt.Fprintf(r.w, "  ✗ %s failed: %s\n", sanitizeForTerminal(name), sanitizeForTerminal(s.ErrorMessage))
	default:
		fmt.Fprintf(r.w, "  • %s: %s\n", sanitizeForTerminal(name), s.Status)
	}
}

// waitForDownload renders the model's status until it reaches a terminal
// state or ctx is done, and returns the final status.
func waitForDownload(ctx context.Context, svc *gallery.Service, name string, r *progressRenderer) (download.DownloadStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes := svc.Subscribe(ctx)

	for {
		view, ok := svc.Model(name)
		if !ok {
			return download.DownloadStatus{}, fmt.Errorf("model %s disappeared from the catalog", name)
		}
		s := view.Download
		if s.Status.IsTerminal() || s.Status == download.StatusPartiallyDownloaded {
			r.Complete(name, s)
			return s, nil
		}
		r.Render(name, s)

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return s, ctx.Err()
			}
		}
	}
}

func buildProgressBar(progress float64, width int) string {
	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func sanitizeForTerminal(s string) string {
	s = ansiEscapeRegex.ReplaceAllString(s, "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatBytes formats a byte count, e.g. "1.5 GB".
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-- MB/s"
	}
	const (
		KB = 1024.0
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytesPerSec >= GB:
		return fmt.Sprintf("%.1f GB/s", bytesPerSec/GB)
	case bytesPerSec >= MB:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/MB)
	case bytesPerSec >= KB:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/KB)
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "calculating..."
	}
	return "ETA: " + formatDuration(eta)
}
