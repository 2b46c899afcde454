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
	"github.com/AleutianAI/viewsync/services/viewsync/activeeditor"
	"github.com/AleutianAI/viewsync/services/viewsync/bufferindex"
	"github.com/AleutianAI/viewsync/services/viewsync/textpos"
)

// ViewID identifies an editor view for its whole lifetime.
type ViewID = bufferindex.ViewID

// BufferID identifies a text buffer owned by the host.
type BufferID = bufferindex.BufferID

// Selection is a user selection in a view.
type Selection = textpos.Selection

// Range is a span of document text.
type Range = textpos.Range

// ActiveEditorChanged is the payload of an active-editor notification.
type ActiveEditorChanged = activeeditor.Changed

// EditorView is the host's live view onto a buffer.
//
// The Controller holds an EditorView only while the host reports it
// connected. Getters are called from the UI context and from debounce
// timers, so implementations must be safe for concurrent use.
type EditorView interface {
	ID() ViewID

	// FilePath is the native path of the displayed document.
	FilePath() string

	VisibleRanges() []Range
	Selections() []Selection
	LineCount() int

	// InLayout reports whether the view is mid-layout. Pending visible-range
	// notifications are discarded while it is.
	InLayout() bool
}

// LayoutChange describes one layout pass of a view.
type LayoutChange struct {
	// VerticalTranslation is true when the view scrolled vertically.
	VerticalTranslation bool `json:"verticalTranslation"`

	// TranslatedLines is the number of lines moved by text edits. Zero for
	// pure scrolling.
	TranslatedLines int `json:"translatedLines"`
}

// VisibleRangesChanged is sent to the host after a view settles.
type VisibleRangesChanged struct {
	DocumentURI   string      `json:"uri"`
	Selections    []Selection `json:"selections"`
	VisibleRanges []Range     `json:"visibleRanges"`
	LineCount     int         `json:"lineCount"`
}

// Stats is a point-in-time snapshot of the Controller.
type Stats struct {
	SessionReady bool   `json:"sessionReady"`
	Views        int    `json:"views"`
	Buffers      int    `json:"buffers"`
	Initialized  int    `json:"initialized"`

	MarkerFetchesInFlight int `json:"markerFetchesInFlight"`
	MarkerCachesDirty     int `json:"markerCachesDirty"`

	FocusedView  ViewID `json:"focusedView,omitempty"`
	ActiveEditor string `json:"activeEditor,omitempty"`

	Initializations     uint64 `json:"initializations"`
	Teardowns           uint64 `json:"teardowns"`
	MarkerManagers      uint64 `json:"markerManagers"`
	MarkerRequests      uint64 `json:"markerRequests"`
	MarkerEventsMatched uint64 `json:"markerEventsMatched"`
	NotificationsSent   uint64 `json:"notificationsSent"`
	NotificationsFailed uint64 `json:"notificationsFailed"`
	ErrorsReported      uint64 `json:"errorsReported"`
}
