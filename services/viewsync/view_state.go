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
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/viewsync/services/viewsync/debounce"
	"github.com/AleutianAI/viewsync/services/viewsync/docid"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
)

// Reasons passed through a view's debounce pipeline.
const (
	reasonLayout    = "layout"
	reasonSelection = "selection"
)

// ViewState is the side-state attached to one connected view.
//
// Description:
//
//	Created on the view's first buffer connect and destroyed when it has
//	disconnected from all of its buffers. Logout does not destroy it: the
//	subscriptions are detached and the marker cache is reset, and the next
//	session-ready signal re-initializes it.
//
// Thread Safety:
//
//	initMu serializes initialize, logout and teardown of this view only.
//	The flags are atomics so readers never take initMu.
type ViewState struct {
	id       ViewID
	view     EditorView
	filePath string
	uri      string

	initMu      sync.Mutex
	initialized atomic.Bool
	focused     atomic.Bool
	live        atomic.Bool

	// Guarded by initMu.
	subs    []*subscription
	markers *markers.Manager

	selMu      sync.Mutex
	selections []Selection

	notifier *debounce.Notifier[string]
}

func newViewState(id ViewID, view EditorView, filePath string) *ViewState {
	vs := &ViewState{
		id:       id,
		view:     view,
		filePath: filePath,
		uri:      docid.FileURI(filePath),
	}
	vs.live.Store(true)
	return vs
}

// ID returns the view's identifier.
func (vs *ViewState) ID() ViewID { return vs.id }

// FilePath returns the path of the document the view shows.
func (vs *ViewState) FilePath() string { return vs.filePath }

// IsInitialized reports whether the view is wired for the current session.
func (vs *ViewState) IsInitialized() bool { return vs.initialized.Load() }

// IsFocused reports whether the view was the last to gain focus.
func (vs *ViewState) IsFocused() bool { return vs.focused.Load() }

// IsLive reports whether the view is still connected.
func (vs *ViewState) IsLive() bool { return vs.live.Load() }

func (vs *ViewState) markerManager() *markers.Manager {
	vs.initMu.Lock()
	defer vs.initMu.Unlock()
	return vs.markers
}

// detachLocked removes every subscription handle and returns them for
// unsubscribing after initMu is released.
func (vs *ViewState) detachLocked() []*subscription {
	subs := vs.subs
	vs.subs = nil
	return subs
}

func (vs *ViewState) setSelections(sel []Selection) {
	vs.selMu.Lock()
	defer vs.selMu.Unlock()
	vs.selections = append([]Selection(nil), sel...)
}

// snapshot builds a visible-range notification from the view as it is now.
func (vs *ViewState) snapshot() VisibleRangesChanged {
	vs.selMu.Lock()
	sel := vs.selections
	vs.selMu.Unlock()
	if sel == nil {
		sel = vs.view.Selections()
	}
	selections := make([]Selection, len(sel))
	copy(selections, sel)
	return VisibleRangesChanged{
		DocumentURI:   vs.uri,
		Selections:    selections,
		VisibleRanges: vs.view.VisibleRanges(),
		LineCount:     vs.view.LineCount(),
	}
}

// canEmit gates a debounced emission when its window elapses.
func (vs *ViewState) canEmit() bool {
	return vs.live.Load() && vs.initialized.Load() && !vs.view.InLayout()
}

func unsubscribeAll(subs []*subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}
