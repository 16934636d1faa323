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
	"math/rand"
	"time"
)

// =============================================================================
// RetryPolicy
// =============================================================================

// RetryPolicy configures exponential backoff for transient transfer errors.
//
// # Defaults
//
// 3 retries, 1s initial delay, 30s max delay, 0.1 jitter.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts after the first.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// JitterFactor adds randomness (0.0 to 1.0); 0.1 means +/- 10%.
	JitterFactor float64
}

// DefaultRetryPolicy returns the standard transfer retry configuration.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// CalculateDelay computes the delay before retry number attempt.
//
// # Description
//
// delay = min(initial * 2^attempt, max) * (1 +/- jitter).
//
// # Inputs
//
//   - attempt: Zero-based retry number
//
// # Outputs
//
//   - time.Duration: Delay before the next attempt
//
// # Examples
//
//	policy := DefaultRetryPolicy()
//	policy.CalculateDelay(0) // ~1s
//	policy.CalculateDelay(2) // ~4s
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if p == nil {
		return DefaultRetryPolicy().CalculateDelay(attempt)
	}

	base := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if maxDelay := float64(p.MaxDelay); p.MaxDelay > 0 && base > maxDelay {
		base = maxDelay
	}
	return p.applyJitter(time.Duration(base))
}

func (p *RetryPolicy) applyJitter(delay time.Duration) time.Duration {
	if p.JitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * p.JitterFactor * (2*rand.Float64() - 1)
	return time.Duration(float64(delay) + jitter)
}

// wait sleeps for the attempt's delay or until ctx is done.
func (p *RetryPolicy) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.CalculateDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Rate window
// =============================================================================

// rateSample records bytes received at a point in time.
type rateSample struct {
	Time     time.Time
	Received int64
}

// rateWindow derives throughput and ETA from a rolling window of samples.
type rateWindow struct {
	window  time.Duration
	samples []rateSample
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

// add records a sample and drops samples older than the window.
func (w *rateWindow) add(now time.Time, received int64) {
	w.samples = append(w.samples, rateSample{Time: now, Received: received})

	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples)-1 && w.samples[i].Time.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

// reset forgets all samples (used when a transfer restarts from zero).
func (w *rateWindow) reset() {
	w.samples = w.samples[:0]
}

// bytesPerSecond returns the throughput over the window, or 0 with fewer
// than two samples or no elapsed time.
func (w *rateWindow) bytesPerSecond() int64 {
	if len(w.samples) < 2 {
		return 0
	}
	first := w.samples[0]
	last := w.samples[len(w.samples)-1]
	elapsed := last.Time.Sub(first.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(last.Received-first.Received) / elapsed
	if rate <= 0 {
		return 0
	}
	return int64(rate)
}

// remainingMs returns the ETA in milliseconds, or 0 when it cannot be
// computed.
func (w *rateWindow) remainingMs(received, total int64) int64 {
	if total <= 0 || received >= total {
		return 0
	}
	rate := w.bytesPerSecond()
	if rate <= 0 {
		return 0
	}
	return (total - received) * 1000 / rate
}
