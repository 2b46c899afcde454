// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activeeditor reconciles view focus against the host's own idea of
// which editor is active.
//
// Focus and layout events also arrive for views the host does not treat as
// primary, such as preview panes. The Tracker only reports a view as active
// once the host independently names the same document.
package activeeditor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/viewsync/services/viewsync/docid"
)

// Changed is the payload of an active-editor notification.
type Changed struct {
	FilePath string `json:"filePath"`
	URI      string `json:"uri"`
}

// HostState is the host's externally owned state. It is polled on every
// reconcile and never cached.
type HostState interface {
	IsWebviewVisible() bool

	// ActiveEditor returns the identity (path or URI) of the editor the host
	// considers active, and false when there is none.
	ActiveEditor() (string, bool)
}

// Notifier receives active-editor notifications.
type Notifier interface {
	NotifyActiveEditorChanged(ctx context.Context, change Changed) error
	NotifyActiveEditorCleared(ctx context.Context) error
}

// Stats are cumulative Tracker counters.
type Stats struct {
	Reconciles uint64
	Changes    uint64
	Clears     uint64
	Failures   uint64
}

// Tracker holds the last file path reported to the host as active.
//
// Thread Safety:
//
//	Safe for concurrent use. No lock is held while calling HostState or
//	Notifier.
type Tracker struct {
	host     HostState
	notifier Notifier
	logger   *slog.Logger

	mu         sync.Mutex
	lastActive string
	stats      Stats
}

// NewTracker creates a Tracker with no active editor.
func NewTracker(host HostState, notifier Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{host: host, notifier: notifier, logger: logger}
}

// Reconcile considers filePath, the document of a view that changed
// layout or selection, as the new active editor.
//
// Description:
//
//	Nothing happens while the webview is hidden. Otherwise the host's
//	active editor is compared to filePath, ignoring case. On a match that
//	differs from the last reported path, the path is recorded and the
//	host is notified. A host active editor that differs from the last
//	reported path forgets that path, so returning to it is reported again.
//
// Outputs:
//
//	bool - True if a change notification was sent.
func (t *Tracker) Reconcile(ctx context.Context, filePath string) bool {
	return t.reconcile(ctx, filePath, false)
}

// ReconcileFocus is Reconcile for a view that just gained focus. A match is
// always reported, even when the path equals the last reported one.
func (t *Tracker) ReconcileFocus(ctx context.Context, filePath string) bool {
	return t.reconcile(ctx, filePath, true)
}

func (t *Tracker) reconcile(ctx context.Context, filePath string, focus bool) bool {
	t.mu.Lock()
	t.stats.Reconciles++
	t.mu.Unlock()

	if filePath == "" || t.host == nil || !t.host.IsWebviewVisible() {
		return false
	}
	active, ok := t.host.ActiveEditor()

	t.mu.Lock()
	if ok && t.lastActive != "" && !docid.Same(active, t.lastActive) {
		t.lastActive = ""
	}
	if !ok || !docid.Same(active, filePath) {
		t.mu.Unlock()
		return false
	}
	if !focus && docid.Same(t.lastActive, filePath) {
		t.mu.Unlock()
		return false
	}
	t.lastActive = filePath
	t.stats.Changes++
	t.mu.Unlock()

	if t.notifier == nil {
		return true
	}
	change := Changed{FilePath: filePath, URI: docid.FileURI(filePath)}
	if err := t.notifier.NotifyActiveEditorChanged(ctx, change); err != nil {
		t.recordFailure()
		t.logger.Warn("active editor notification failed", "file", filePath, "error", err)
	}
	return true
}

// Reset forgets the active editor and tells the host there is none.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	t.lastActive = ""
	t.stats.Clears++
	t.mu.Unlock()

	if t.notifier == nil {
		return
	}
	if err := t.notifier.NotifyActiveEditorCleared(ctx); err != nil {
		t.recordFailure()
		t.logger.Warn("active editor clear notification failed", "error", err)
	}
}

// Current returns the last path reported as active.
func (t *Tracker) Current() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActive, t.lastActive != ""
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) recordFailure() {
	t.mu.Lock()
	t.stats.Failures++
	t.mu.Unlock()
}
