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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors for Controller operations.
var (
	// ErrNilNotifier indicates Dependencies.Notifier was not set.
	ErrNilNotifier = errors.New("viewsync: host notifier is nil")

	// ErrNilHostState indicates Dependencies.Host was not set.
	ErrNilHostState = errors.New("viewsync: host state is nil")

	// ErrNilFetcher indicates Dependencies.Fetcher was not set.
	ErrNilFetcher = errors.New("viewsync: marker fetcher is nil")

	// ErrUnknownView indicates the view is not connected.
	ErrUnknownView = errors.New("viewsync: unknown view")

	// ErrNotInitialized indicates the view is connected but the session is
	// not ready, so it has no live marker cache.
	ErrNotInitialized = errors.New("viewsync: view not initialized")

	// ErrClosed indicates the Controller was closed.
	ErrClosed = errors.New("viewsync: controller closed")

	// errHostIntegration marks unexpected input from the host glue.
	errHostIntegration = errors.New("host integration")
)

// maxRememberedErrors bounds the duplicate-suppression set.
const maxRememberedErrors = 256

// errorReporter logs each distinct failure once.
//
// Description:
//
//	Collaborator failures tend to repeat on every event until the cause
//	goes away. The first occurrence of an (operation, message) pair is
//	logged at Warn, or Error for host-integration errors; repeats are
//	logged at Debug. Every occurrence is counted and recorded on the
//	current span.
//
// Thread Safety:
//
//	Safe for concurrent use.
type errorReporter struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	reported   atomic.Uint64
	suppressed atomic.Uint64
}

func newErrorReporter(logger *slog.Logger) *errorReporter {
	return &errorReporter{logger: logger, seen: make(map[string]struct{})}
}

// report records err for op. It returns false when the report was a
// suppressed repeat.
func (r *errorReporter) report(ctx context.Context, op string, err error) bool {
	if err == nil {
		return false
	}
	r.reported.Add(1)
	recordError(ctx, op)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("viewsync.error", trace.WithAttributes(
		attribute.String("viewsync.op", op),
		attribute.String("error", err.Error()),
	))

	key := op + "\x00" + err.Error()
	r.mu.Lock()
	_, dup := r.seen[key]
	if !dup {
		if len(r.seen) >= maxRememberedErrors {
			r.seen = make(map[string]struct{})
		}
		r.seen[key] = struct{}{}
	}
	r.mu.Unlock()

	if dup {
		r.suppressed.Add(1)
		r.logger.Debug("repeated error suppressed", "op", op, "error", err)
		return false
	}
	if errors.Is(err, errHostIntegration) {
		r.logger.Error("host integration error", "op", op, "error", err)
	} else {
		r.logger.Warn("operation failed", "op", op, "error", err)
	}
	return true
}

// recoverPanic turns a panic in a handler into a reported error. Use as
// defer c.errs.recoverPanic(ctx, "OnLayoutChanged").
func (r *errorReporter) recoverPanic(ctx context.Context, op string) {
	if p := recover(); p != nil {
		r.report(ctx, op, fmt.Errorf("%w: panic: %v", errHostIntegration, p))
	}
}

func hostError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errHostIntegration}, args...)...)
}
