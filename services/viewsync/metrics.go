// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package viewsync

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for the controller.
var (
	tracer = otel.Tracer("viewsync")
	meter  = otel.Meter("viewsync")
)

var (
	viewsActive     metric.Int64UpDownCounter
	initializations metric.Int64Counter
	notifications   metric.Int64Counter
	coalescedEvents metric.Int64Counter
	errorsTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		viewsActive, err = meter.Int64UpDownCounter(
			"viewsync_views_active",
			metric.WithDescription("Number of connected editor views"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		initializations, err = meter.Int64Counter(
			"viewsync_view_initializations_total",
			metric.WithDescription("Total number of view initializations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		notifications, err = meter.Int64Counter(
			"viewsync_notifications_total",
			metric.WithDescription("Total number of host notifications by kind and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		coalescedEvents, err = meter.Int64Counter(
			"viewsync_coalesced_events_total",
			metric.WithDescription("Raw view events absorbed into a pending notification"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		errorsTotal, err = meter.Int64Counter(
			"viewsync_errors_total",
			metric.WithDescription("Total number of reported errors by operation"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startNotifySpan(ctx context.Context, kind string, id ViewID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller.Notify",
		trace.WithAttributes(
			attribute.String("viewsync.notification", kind),
			attribute.String("viewsync.view_id", string(id)),
		),
	)
}

func recordViewDelta(ctx context.Context, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	viewsActive.Add(ctx, delta)
}

func recordInitialization(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	initializations.Add(ctx, 1)
}

func recordNotification(ctx context.Context, kind string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func recordCoalesced(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	coalescedEvents.Add(ctx, 1)
}

func recordError(ctx context.Context, op string) {
	if err := initMetrics(); err != nil {
		return
	}
	errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
