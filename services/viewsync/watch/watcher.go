// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch raises marker-source changes for files written on disk.
//
// Markers are often anchored to files that change outside the editor (git
// checkout, formatters, another tool). The Watcher batches filesystem
// events under a debounce window and hands each batch to a Handler;
// MarkerSourceHandler turns a batch into document URIs for the controller.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/viewsync/services/viewsync/docid"
)

// ErrAlreadyRunning is returned by a second Run.
var ErrAlreadyRunning = errors.New("watch: watcher already running")

// Op is the kind of filesystem change.
type Op int

const (
	// OpCreate indicates a file was created.
	OpCreate Op = iota

	// OpWrite indicates a file was modified.
	OpWrite

	// OpRemove indicates a file was deleted.
	OpRemove

	// OpRename indicates a file was renamed away.
	OpRename
)

// String returns the operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Change is one debounced filesystem change.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Handler receives a batch of changes, at most one entry per path.
type Handler func(changes []Change)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the watcher waits for more events before
	// flushing a batch. Default: 100ms.
	Debounce time.Duration

	// Ignore lists base names or globs to skip (".git", "*.swp").
	Ignore []string

	// BufferSize bounds queued events. Events beyond it are dropped.
	// Default: 1000.
	BufferSize int

	// Logger receives watch errors. Default: slog.Default().
	Logger *slog.Logger
}

// Watcher recursively watches a directory tree.
//
// # Description
//
// Events are converted to Changes, queued, and flushed to the handler when
// the debounce window passes with no new events. Directories created while
// running are added to the watch list.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  Handler
	debounce time.Duration
	ignore   []string
	logger   *slog.Logger

	changes chan Change
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	dropped int
}

// New creates a Watcher for root. Call Run to start watching.
func New(root string, handler Handler, opts Options) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("watch: handler is nil")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "watch", Path: root, Err: errors.New("not a directory")}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:     root,
		watcher:  fw,
		handler:  handler,
		debounce: opts.Debounce,
		ignore:   opts.Ignore,
		logger:   opts.Logger.With("component", "watch", "root", root),
		changes:  make(chan Change, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Run watches until ctx is canceled or Stop is called, then flushes the
// pending batch and returns.
//
// Outputs:
//
//	error - ErrAlreadyRunning, or a failure adding the tree. Nil on a
//	normal stop.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.started = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		select {
		case <-w.done:
			return nil
		default:
		}
		w.Stop()
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	select {
	case <-ctx.Done():
	case <-w.done:
	}
	w.Stop()
	w.wg.Wait()
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.done)
		if err := w.watcher.Close(); err != nil {
			w.logger.Debug("close fsnotify watcher", "error", err)
		}
	})
}

// Dropped returns how many events were discarded because the queue was full.
func (w *Watcher) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")

	for _, pattern := range w.ignore {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		for _, seg := range segments {
			if seg == pattern {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			change := Change{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []Change
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.handler(dedupe(batch))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			timer.Reset(w.debounce)
		case <-timer.C:
			flush()
		}
	}
}

// dedupe keeps the latest change per path, in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}

// MarkerSourceHandler adapts a Handler that reports the document URI of
// every file whose content may have changed. Removals are skipped: a
// removed document has no view left to refresh.
func MarkerSourceHandler(changed func(documentURI string)) Handler {
	return func(changes []Change) {
		for _, c := range changes {
			if c.Op == OpRemove {
				continue
			}
			changed(docid.FileURI(c.Path))
		}
	}
}
