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
	"encoding/json"

	"github.com/AleutianAI/viewsync/services/viewsync"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
)

// Message types sent by the host.
const (
	TypeBufferConnected    = "bufferConnected"
	TypeBufferDisconnected = "bufferDisconnected"
	TypeLayoutChanged      = "layoutChanged"
	TypeSelectionChanged   = "selectionChanged"
	TypeFocusGained        = "focusGained"
	TypeSessionReady       = "sessionReady"
	TypeSessionLogout      = "sessionLogout"
	TypeMarkersChanged     = "markersChanged"
	TypeHostState          = "hostState"
	TypeFetchMarkersResult = "fetchMarkersResult"
)

var inboundTypes = map[string]bool{
	TypeBufferConnected:    true,
	TypeBufferDisconnected: true,
	TypeLayoutChanged:      true,
	TypeSelectionChanged:   true,
	TypeFocusGained:        true,
	TypeSessionReady:       true,
	TypeSessionLogout:      true,
	TypeMarkersChanged:     true,
	TypeHostState:          true,
	TypeFetchMarkersResult: true,
}

// Message types sent to the host.
const (
	TypeVisibleRangesChanged = "visibleRangesChanged"
	TypeActiveEditorChanged  = "activeEditorChanged"
	TypeActiveEditorCleared  = "activeEditorCleared"
	TypeFetchMarkers         = "fetchMarkers"
	TypeMarkersUpdated       = "markersUpdated"
)

// Envelope frames every websocket message.
//
// Trace carries W3C trace context so a host that traces can continue the
// daemon's spans.
type Envelope struct {
	Type  string            `json:"type"`
	Data  json.RawMessage   `json:"data,omitempty"`
	Trace map[string]string `json:"trace,omitempty"`
}

// BufferConnectedMsg reports buffers attached to a view.
type BufferConnectedMsg struct {
	ViewID   viewsync.ViewID     `json:"viewId" validate:"required"`
	FilePath string              `json:"filePath" validate:"required"`
	Buffers  []viewsync.BufferID `json:"buffers" validate:"required,min=1,dive,required"`

	// Initial view geometry; later updates arrive with layoutChanged.
	VisibleRanges []viewsync.Range     `json:"visibleRanges,omitempty"`
	Selections    []viewsync.Selection `json:"selections,omitempty"`
	LineCount     int                  `json:"lineCount,omitempty" validate:"gte=0"`
}

// BufferDisconnectedMsg reports buffers detached from a view.
type BufferDisconnectedMsg struct {
	ViewID  viewsync.ViewID     `json:"viewId" validate:"required"`
	Buffers []viewsync.BufferID `json:"buffers" validate:"required,min=1,dive,required"`
}

// LayoutChangedMsg reports a layout pass together with the new geometry.
type LayoutChangedMsg struct {
	ViewID              viewsync.ViewID  `json:"viewId" validate:"required"`
	VerticalTranslation bool             `json:"verticalTranslation"`
	TranslatedLines     int              `json:"translatedLines"`
	VisibleRanges       []viewsync.Range `json:"visibleRanges"`
	LineCount           int              `json:"lineCount" validate:"gte=0"`
	InLayout            bool             `json:"inLayout"`
}

// SelectionChangedMsg reports the view's selections.
type SelectionChangedMsg struct {
	ViewID     viewsync.ViewID      `json:"viewId" validate:"required"`
	Selections []viewsync.Selection `json:"selections"`
}

// FocusGainedMsg reports keyboard focus entering a view.
type FocusGainedMsg struct {
	ViewID viewsync.ViewID `json:"viewId" validate:"required"`
}

// MarkersChangedMsg reports a marker source change for a document.
type MarkersChangedMsg struct {
	URI string `json:"uri" validate:"required"`
}

// HostStateMsg replaces the host-owned flags.
type HostStateMsg struct {
	WebviewVisible      bool   `json:"webviewVisible"`
	MarkersPanelVisible bool   `json:"markersPanelVisible"`
	ActiveEditor        string `json:"activeEditor,omitempty"`
}

// FetchMarkersMsg asks the host for a document's markers.
type FetchMarkersMsg struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

// FetchMarkersResultMsg answers a FetchMarkersMsg with the same ID.
type FetchMarkersResultMsg struct {
	ID      string           `json:"id" validate:"required"`
	Markers []markers.Marker `json:"markers"`
	Error   string           `json:"error,omitempty"`
}

// MarkersUpdatedMsg tells the host a view's marker cache was repopulated.
type MarkersUpdatedMsg struct {
	ViewID  viewsync.ViewID  `json:"viewId"`
	Markers []markers.Marker `json:"markers"`
}

func newEnvelope(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}
