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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Downloads
// =============================================================================

var (
	// downloadsStarted counts BeginDownload calls.
	downloadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gallery",
		Subsystem: "download",
		Name:      "started_total",
		Help:      "Total downloads started",
	}, []string{"task"})

	// downloadsFinished counts terminal transitions.
	// Labels: status (SUCCEEDED, FAILED, NOT_DOWNLOADED)
	downloadsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gallery",
		Subsystem: "download",
		Name:      "finished_total",
		Help:      "Total downloads reaching a terminal status",
	}, []string{"status"})

	downloadsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gallery",
		Subsystem: "download",
		Name:      "cancelled_total",
		Help:      "Total downloads cancelled by the user",
	})

	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gallery",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Bytes received across all downloads",
	})

	// downloadsActive tracks IN_PROGRESS and UNZIPPING models.
	downloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gallery",
		Subsystem: "download",
		Name:      "active",
		Help:      "Downloads currently in progress",
	})

	artifactDeleteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gallery",
		Subsystem: "download",
		Name:      "artifact_delete_errors_total",
		Help:      "Failures removing download artifacts",
	})
)
