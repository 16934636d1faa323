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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/config"
)

func TestInitTelemetry_None(t *testing.T) {
	shutdown, err := initTelemetry(context.Background(), config.TelemetryConfig{
		TraceExporter:  "none",
		MetricExporter: "none",
	}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTelemetry_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := initTelemetry(context.Background(), config.TelemetryConfig{
		TraceExporter:  "stdout",
		MetricExporter: "stdout",
	}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "test-span")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "test-span")
}

func TestInitTelemetry_OTLPInsecure(t *testing.T) {
	// The gRPC client connects lazily, so no collector is needed.
	shutdown, err := initTelemetry(context.Background(), config.TelemetryConfig{
		TraceExporter:  "otlp",
		MetricExporter: "none",
		OTLPEndpoint:   "127.0.0.1:4317",
		OTLPInsecure:   true,
	}, &bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInitTelemetry_UnknownExporter(t *testing.T) {
	_, err := initTelemetry(context.Background(), config.TelemetryConfig{
		TraceExporter: "zipkin",
	}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}
