// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bufferindex tracks which editor views display which text buffers.
//
// # Description
//
// The index is a two-way relation between host buffers and host views plus
// one attached state value per view. It holds identifiers only, never the
// host objects, so registering a buffer or view here never extends its
// lifetime past what the host maintains.
//
// # Invariants
//
//   - A buffer entry exists iff at least one view is registered for it.
//   - A view entry (and its state) exists iff the view is connected to at
//     least one buffer.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The index mutex is held only
// while the maps are mutated; callers run collaborator calls (marker fetch,
// host notification, subscription setup) after the method returns.
package bufferindex

import (
	"sort"
	"sync"
)

// BufferID identifies a host text buffer.
type BufferID string

// ViewID identifies a host editor view. Stable for the life of the view.
type ViewID string

type viewEntry[S any] struct {
	state   S
	buffers map[BufferID]struct{}
}

// Index maps buffers to views and views to their attached state S.
type Index[S any] struct {
	mu      sync.Mutex
	buffers map[BufferID]map[ViewID]struct{}
	views   map[ViewID]*viewEntry[S]
}

// New creates an empty index.
func New[S any]() *Index[S] {
	return &Index[S]{
		buffers: make(map[BufferID]map[ViewID]struct{}),
		views:   make(map[ViewID]*viewEntry[S]),
	}
}

// ConnectResult describes the effect of Connect.
type ConnectResult[S any] struct {
	// State is the view's attached state (new or existing).
	State S

	// Created is true when this call created the view entry.
	Created bool

	// Added is the number of buffer/view pairs that were not registered before.
	Added int
}

// Connect registers view for every buffer in buffers.
//
// Description:
//
//	Adds view to each buffer's view set, creating the set if absent. The
//	first connect for a view calls create to build its state. create runs
//	under the index lock and must only allocate; it must not call into the
//	host or any other collaborator.
//
// Inputs:
//
//	view - The view being connected.
//	buffers - Buffers the view now displays. Empty IDs are skipped.
//	create - Constructor for the view's state. Called at most once per view entry.
//
// Outputs:
//
//	ConnectResult[S] - The view state and whether it was created. When no
//	valid buffer is given and the view is unknown, the zero result is returned.
func (x *Index[S]) Connect(view ViewID, buffers []BufferID, create func() S) ConnectResult[S] {
	x.mu.Lock()
	defer x.mu.Unlock()

	var result ConnectResult[S]
	entry := x.views[view]

	for _, b := range buffers {
		if b == "" {
			continue
		}
		if entry == nil {
			entry = &viewEntry[S]{
				state:   create(),
				buffers: make(map[BufferID]struct{}),
			}
			x.views[view] = entry
			result.Created = true
		}

		set, ok := x.buffers[b]
		if !ok {
			set = make(map[ViewID]struct{})
			x.buffers[b] = set
		}
		if _, dup := set[view]; !dup {
			set[view] = struct{}{}
			result.Added++
		}
		entry.buffers[b] = struct{}{}
	}

	if entry != nil {
		result.State = entry.state
	}
	return result
}

// DisconnectResult describes the effect of Disconnect.
type DisconnectResult[S any] struct {
	// State is the view's attached state when the view was known.
	State S

	// Known is false when the view was never connected (the call was a no-op).
	Known bool

	// ViewRemoved is true when the view lost its last buffer and its entry was removed.
	ViewRemoved bool

	// EmptiedBuffers lists buffers whose view set became empty and were removed.
	EmptiedBuffers []BufferID

	// IndexEmpty is true when this call removed a buffer and no buffers remain at all.
	IndexEmpty bool
}

// Disconnect removes view from every buffer in buffers.
//
// Description:
//
//	Unknown buffer/view pairs are ignored: hosts report disconnects for
//	views that never fully connected, for example after a content-type
//	change. Buffers left with no views are removed immediately.
//
// Inputs:
//
//	view - The view being disconnected.
//	buffers - Buffers the view no longer displays.
//
// Outputs:
//
//	DisconnectResult[S] - What changed. IndexEmpty is only reported after
//	this call emptied a buffer, so callers can trigger global teardown once.
func (x *Index[S]) Disconnect(view ViewID, buffers []BufferID) DisconnectResult[S] {
	x.mu.Lock()
	defer x.mu.Unlock()

	var result DisconnectResult[S]
	entry, ok := x.views[view]
	if !ok {
		return result
	}
	result.Known = true
	result.State = entry.state

	for _, b := range buffers {
		set, ok := x.buffers[b]
		if !ok {
			continue
		}
		if _, member := set[view]; !member {
			continue
		}
		delete(set, view)
		delete(entry.buffers, b)
		if len(set) == 0 {
			delete(x.buffers, b)
			result.EmptiedBuffers = append(result.EmptiedBuffers, b)
		}
	}

	if len(entry.buffers) == 0 {
		delete(x.views, view)
		result.ViewRemoved = true
	}
	if len(result.EmptiedBuffers) > 0 && len(x.buffers) == 0 {
		result.IndexEmpty = true
	}
	return result
}

// Get returns the state attached to view.
func (x *Index[S]) Get(view ViewID) (S, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.views[view]
	if !ok {
		var zero S
		return zero, false
	}
	return entry.state, true
}

// States returns a snapshot of every attached state, ordered by view ID.
func (x *Index[S]) States() []S {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids := make([]ViewID, 0, len(x.views))
	for id := range x.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]S, 0, len(ids))
	for _, id := range ids {
		out = append(out, x.views[id].state)
	}
	return out
}

// ViewsFor returns the views registered for buffer, ordered by ID.
func (x *Index[S]) ViewsFor(buffer BufferID) []ViewID {
	x.mu.Lock()
	defer x.mu.Unlock()

	set := x.buffers[buffer]
	out := make([]ViewID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuffersFor returns the buffers view is connected to, ordered by ID.
func (x *Index[S]) BuffersFor(view ViewID) []BufferID {
	x.mu.Lock()
	defer x.mu.Unlock()

	entry, ok := x.views[view]
	if !ok {
		return nil
	}
	out := make([]BufferID, 0, len(entry.buffers))
	for b := range entry.buffers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether buffer has at least one registered view.
func (x *Index[S]) Contains(buffer BufferID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.buffers[buffer]
	return ok
}

// BufferCount returns the number of buffers with at least one view.
func (x *Index[S]) BufferCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.buffers)
}

// ViewCount returns the number of connected views.
func (x *Index[S]) ViewCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.views)
}
