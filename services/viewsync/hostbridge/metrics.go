// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hostbridge

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("viewsync.hostbridge")
	meter  = otel.Meter("viewsync.hostbridge")
)

var (
	messagesTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		messagesTotal, metricsErr = meter.Int64Counter(
			"viewsync_bridge_messages_total",
			metric.WithDescription("Websocket messages exchanged with the editor host"),
		)
	})
	return metricsErr
}

func recordMessage(ctx context.Context, direction, typ string) {
	if err := initMetrics(); err != nil {
		return
	}
	messagesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", typ),
	))
}
