// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package markers

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for marker fetches.
var (
	tracer = otel.Tracer("viewsync.markers")
	meter  = otel.Meter("viewsync.markers")
)

var (
	fetchLatency metric.Float64Histogram
	fetchTotal   metric.Int64Counter
	fetchShared  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		fetchLatency, err = meter.Float64Histogram(
			"viewsync_marker_fetch_duration_seconds",
			metric.WithDescription("Duration of marker fetches from the backend"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchTotal, err = meter.Int64Counter(
			"viewsync_marker_fetch_total",
			metric.WithDescription("Total number of marker fetches issued to the backend"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchShared, err = meter.Int64Counter(
			"viewsync_marker_fetch_shared_total",
			metric.WithDescription("Marker requests answered by a fetch already in flight"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startFetchSpan(ctx context.Context, documentURI string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "SharedFetcher.FetchMarkers",
		trace.WithAttributes(attribute.String("viewsync.document", documentURI)),
	)
}

func recordFetch(ctx context.Context, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	fetchLatency.Record(ctx, duration.Seconds(), attrs)
	fetchTotal.Add(ctx, 1, attrs)
}

func recordShared(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchShared.Add(ctx, 1)
}
