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
	"slices"
	"sync"

	"github.com/AleutianAI/viewsync/services/viewsync"
)

// remoteView is the daemon-side mirror of a host view. Geometry is
// replaced by inbound messages on the UI loop and read by debounce
// timers, hence the lock.
type remoteView struct {
	id       viewsync.ViewID
	filePath string

	mu            sync.RWMutex
	buffers       map[viewsync.BufferID]struct{}
	visibleRanges []viewsync.Range
	selections    []viewsync.Selection
	lineCount     int
	inLayout      bool
}

var _ viewsync.EditorView = (*remoteView)(nil)

func newRemoteView(id viewsync.ViewID, filePath string) *remoteView {
	return &remoteView{
		id:       id,
		filePath: filePath,
		buffers:  make(map[viewsync.BufferID]struct{}),
	}
}

func (v *remoteView) ID() viewsync.ViewID { return v.id }

func (v *remoteView) FilePath() string { return v.filePath }

func (v *remoteView) VisibleRanges() []viewsync.Range {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.visibleRanges)
}

func (v *remoteView) Selections() []viewsync.Selection {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.selections)
}

func (v *remoteView) LineCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lineCount
}

func (v *remoteView) InLayout() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.inLayout
}

func (v *remoteView) addBuffers(buffers []viewsync.BufferID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range buffers {
		v.buffers[b] = struct{}{}
	}
}

// removeBuffers reports whether the view has no buffers left.
func (v *remoteView) removeBuffers(buffers []viewsync.BufferID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range buffers {
		delete(v.buffers, b)
	}
	return len(v.buffers) == 0
}

func (v *remoteView) bufferList() []viewsync.BufferID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]viewsync.BufferID, 0, len(v.buffers))
	for b := range v.buffers {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

func (v *remoteView) setGeometry(ranges []viewsync.Range, lineCount int, inLayout bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visibleRanges = slices.Clone(ranges)
	v.lineCount = lineCount
	v.inLayout = inLayout
}

func (v *remoteView) setSelections(sel []viewsync.Selection) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.selections = slices.Clone(sel)
}

// ViewInfo describes a mirrored view for the views endpoint.
type ViewInfo struct {
	ViewID    viewsync.ViewID     `json:"viewId"`
	FilePath  string              `json:"filePath"`
	Buffers   []viewsync.BufferID `json:"buffers"`
	LineCount int                 `json:"lineCount"`
}

func (v *remoteView) info() ViewInfo {
	return ViewInfo{
		ViewID:    v.id,
		FilePath:  v.filePath,
		Buffers:   v.bufferList(),
		LineCount: v.LineCount(),
	}
}
