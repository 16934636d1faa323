// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("gallery.lifecycle")
	meter  = otel.Meter("gallery.lifecycle")
)

var (
	initLatency  metric.Float64Histogram
	initTotal    metric.Int64Counter
	cleanupTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		initLatency, err = meter.Float64Histogram(
			"gallery_model_init_duration_seconds",
			metric.WithDescription("Duration of model initialization"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		initTotal, err = meter.Int64Counter(
			"gallery_model_init_total",
			metric.WithDescription("Model initializations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cleanupTotal, err = meter.Int64Counter(
			"gallery_model_cleanup_total",
			metric.WithDescription("Model instance teardowns"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startInitSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Coordinator.Initialize",
		trace.WithAttributes(attribute.String("model", model)),
	)
}

func startCleanupSpan(ctx context.Context, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Coordinator.Cleanup",
		trace.WithAttributes(attribute.String("model", model)),
	)
}

func recordInit(ctx context.Context, span trace.Span, d time.Duration, err error) {
	success := err == nil
	if !success {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	initLatency.Record(ctx, d.Seconds(), attrs)
	initTotal.Add(ctx, 1, attrs)
}

func recordCleanup(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cleanupTotal.Add(ctx, 1)
}
