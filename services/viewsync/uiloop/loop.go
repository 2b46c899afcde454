// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uiloop provides the serial execution context that stands in for
// an editor host's UI thread.
//
// # Description
//
// Host callbacks and marker results both mutate
// per-view state. Posting them onto one Loop gives them the ordering a UI
// thread would: every posted function runs to completion before the next
// starts, in posting order.
//
// # Thread Safety
//
// Post, Dispatch and Sync are safe from any goroutine. Post blocks while
// the queue is full, so a posted function that posts again relies on the
// queue having room: the loop cannot drain while it waits on itself.
// Work that may post from inside the loop in bursts needs a queue sized
// for the burst.
package uiloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the number of posted functions buffered before Post
// blocks.
const DefaultQueueSize = 1024

// ErrClosed is returned when posting to a closed Loop.
var ErrClosed = errors.New("uiloop: closed")

// Loop runs posted functions one at a time on a single goroutine.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	running   atomic.Bool
	runDone   chan struct{}

	executed atomic.Uint64
	panics   atomic.Uint64
}

// New creates a Loop. Call Run to start executing.
//
// Inputs:
//
//	queueSize - Buffered functions before Post blocks. <= 0 uses DefaultQueueSize.
//	logger - Receives recovered panics. Nil uses slog.Default().
func New(queueSize int, logger *slog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		runDone: make(chan struct{}),
		logger:  logger,
	}
}

// Run executes posted functions until ctx is cancelled or Close is called.
// Functions still queued at that point are drained and run before Run
// returns. Run may be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("uiloop: already running")
	}
	defer close(l.runDone)

	for {
		select {
		case <-ctx.Done():
			l.Close()
			l.drain()
			return ctx.Err()
		case <-l.done:
			l.drain()
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

// Post schedules fn. It blocks while the queue is full and returns
// ErrClosed once the Loop is closed. Called from inside a posted function
// on a full queue it never returns; see the package documentation.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	if l.closed.Load() {
		return ErrClosed
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Dispatch is Post without the error, for use as a func(func()) callback.
// Functions posted after Close are dropped.
func (l *Loop) Dispatch(fn func()) {
	if err := l.Post(fn); err != nil {
		l.logger.Debug("dropped post to closed ui loop")
	}
}

// Sync posts fn and waits until it has run. It must not be called from
// inside a posted function.
func (l *Loop) Sync(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := l.Post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Queued functions still run if Run is active.
// A Post racing with Close may be accepted and then never run.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.runDone
}

// Stats is a point-in-time snapshot of a Loop.
type Stats struct {
	Executed uint64 `json:"executed"`
	Panics   uint64 `json:"panics"`
	Queued   int    `json:"queued"`
	Capacity int    `json:"capacity"`
}

// Stats returns the loop's counters and queue depth.
func (l *Loop) Stats() Stats {
	return Stats{
		Executed: l.executed.Load(),
		Panics:   l.panics.Load(),
		Queued:   len(l.queue),
		Capacity: cap(l.queue),
	}
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.queue:
			l.exec(fn)
		default:
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("ui loop task panicked", "panic", r)
		}
	}()
	l.executed.Add(1)
	fn()
}
