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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	p := &RetryPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.CalculateDelay(0))
	assert.Equal(t, 2*time.Second, p.CalculateDelay(1))
	assert.Equal(t, 4*time.Second, p.CalculateDelay(2))
	assert.Equal(t, 5*time.Second, p.CalculateDelay(3), "capped at MaxDelay")
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := &RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0.1}
	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(0)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestRetryPolicy_NilUsesDefault(t *testing.T) {
	var p *RetryPolicy
	d := p.CalculateDelay(0)
	assert.InDelta(t, float64(time.Second), float64(d), float64(100*time.Millisecond))
}

func TestRetryPolicy_WaitHonorsContext(t *testing.T) {
	p := &RetryPolicy{InitialDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.wait(ctx, 0), context.Canceled)
}

func TestRateWindow(t *testing.T) {
	w := newRateWindow(5 * time.Second)
	t0 := time.Unix(1000, 0)

	assert.Equal(t, int64(0), w.bytesPerSecond(), "one sample is not enough")
	w.add(t0, 0)
	w.add(t0.Add(2*time.Second), 2000)
	assert.Equal(t, int64(1000), w.bytesPerSecond())
	assert.Equal(t, int64(8000), w.remainingMs(2000, 10000))

	// Old samples fall out of the window.
	w.add(t0.Add(10*time.Second), 4000)
	assert.Equal(t, int64(0), w.bytesPerSecond())
	w.add(t0.Add(11*time.Second), 5000)
	assert.Equal(t, int64(1000), w.bytesPerSecond())

	assert.Equal(t, int64(0), w.remainingMs(10, 0), "unknown total")
	assert.Equal(t, int64(0), w.remainingMs(100, 100), "complete")

	w.reset()
	assert.Equal(t, int64(0), w.bytesPerSecond())
}
