// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debounce coalesces bursts of events into single deferred emissions.
//
// # Description
//
// A Notifier keeps the latest value and a single-shot timer. Every Trigger
// stores the value and re-arms the timer; when the quiescence window passes
// with no further Trigger, the latest value is emitted once. Values that
// arrive while an emission is running are held for the next cycle, so at
// most one emission is in flight per Notifier.
//
//	Trigger(a) Trigger(b) Trigger(c) ...window... emit(c)
//
// # Thread Safety
//
// All methods are safe for concurrent use. The emit callback runs on a timer
// goroutine with no Notifier lock held.
package debounce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow absorbs scroll and resize bursts without perceptible latency.
const DefaultWindow = 10 * time.Millisecond

// ErrNilEmit is returned by New when no emit callback is given.
var ErrNilEmit = errors.New("debounce: emit callback is nil")

// EmitFunc delivers a coalesced value. Errors are logged, not retried.
type EmitFunc[T any] func(ctx context.Context, value T) error

// Options configures a Notifier.
type Options struct {
	// Window is the quiescence window. Default: DefaultWindow.
	Window time.Duration

	// Ready is evaluated when the window elapses. When it returns false the
	// pending value is discarded rather than deferred. Default: always ready.
	Ready func() bool

	// Name labels log lines. Default: "debounce".
	Name string

	// Logger receives emission failures. Default: slog.Default().
	Logger *slog.Logger
}

// Stats are cumulative counters for one Notifier.
type Stats struct {
	Triggered uint64
	Coalesced uint64
	Emitted   uint64
	Failed    uint64
	Dropped   uint64
}

// Notifier is a timer-plus-latest-value debouncer for values of type T.
type Notifier[T any] struct {
	window time.Duration
	emit   EmitFunc[T]
	ready  func() bool
	name   string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	latest   T
	pending  bool
	emitting bool
	closed   bool
	timer    *time.Timer
	armGen   uint64

	triggered atomic.Uint64
	coalesced atomic.Uint64
	emitted   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Notifier that calls emit after each quiet window.
//
// Inputs:
//
//	emit - Receives the latest value of each burst. Must not call Close.
//	opts - Window, readiness check, logging. Zero value uses defaults.
//
// Outputs:
//
//	*Notifier[T] - Ready to accept Trigger calls.
//	error - ErrNilEmit if emit is nil.
func New[T any](emit EmitFunc[T], opts Options) (*Notifier[T], error) {
	if emit == nil {
		return nil, ErrNilEmit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Name == "" {
		opts.Name = "debounce"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier[T]{
		window: opts.Window,
		emit:   emit,
		ready:  opts.Ready,
		name:   opts.Name,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Trigger records value as the latest state and restarts the window.
//
// Returns false if the Notifier is closed. While an emission is running
// the value is queued and the window starts once that emission returns.
func (n *Notifier[T]) Trigger(value T) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false
	}
	n.triggered.Add(1)
	if n.pending {
		n.coalesced.Add(1)
	}
	n.latest = value
	n.pending = true
	if !n.emitting {
		n.armLocked()
	}
	return true
}

// Cancel discards the pending value, if any. The Notifier stays usable.
func (n *Notifier[T]) Cancel() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clearLocked()
}

// Close cancels the pending value and rejects further triggers. An emission
// already running sees its context cancelled. Close is idempotent.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.clearLocked()
	n.mu.Unlock()

	n.cancel()
}

// Pending reports whether a value is waiting for its window to elapse.
func (n *Notifier[T]) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pending
}

// Stats returns a snapshot of the counters.
func (n *Notifier[T]) Stats() Stats {
	return Stats{
		Triggered: n.triggered.Load(),
		Coalesced: n.coalesced.Load(),
		Emitted:   n.emitted.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
	}
}

// armLocked (re)starts the single-shot timer. Fires from an older arming
// are recognised by their generation and ignored.
func (n *Notifier[T]) armLocked() {
	if n.timer != nil {
		n.timer.Stop()
	}
	n.armGen++
	gen := n.armGen
	n.timer = time.AfterFunc(n.window, func() { n.fire(gen) })
}

func (n *Notifier[T]) clearLocked() {
	var zero T
	n.latest = zero
	n.pending = false
	n.armGen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *Notifier[T]) fire(gen uint64) {
	n.mu.Lock()
	if gen != n.armGen || n.closed || !n.pending || n.emitting {
		n.mu.Unlock()
		return
	}
	value := n.latest
	var zero T
	n.latest = zero
	n.pending = false
	n.timer = nil
	n.emitting = true
	n.mu.Unlock()

	n.deliver(value)

	n.mu.Lock()
	n.emitting = false
	if n.pending && !n.closed {
		n.armLocked()
	}
	n.mu.Unlock()
}

func (n *Notifier[T]) deliver(value T) {
	defer func() {
		if r := recover(); r != nil {
			n.failed.Add(1)
			n.logger.Error("debounced emission panicked", "notifier", n.name, "panic", r)
		}
	}()

	if n.ready != nil && !n.ready() {
		n.dropped.Add(1)
		n.logger.Debug("debounced emission dropped", "notifier", n.name)
		return
	}

	if err := n.emit(n.ctx, value); err != nil {
		n.failed.Add(1)
		n.logger.Warn("debounced emission failed", "notifier", n.name, "error", err)
		return
	}
	n.emitted.Add(1)
}
