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
)

// subscription is a handle returned by topic.subscribe.
type subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// topic fans one kind of view event out to the handlers subscribed for a
// view. Handlers run on the publishing goroutine with no topic lock held.
type topic[T any] struct {
	mu       sync.RWMutex
	handlers map[ViewID]map[uint64]func(T)
	nextID   uint64
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{handlers: make(map[ViewID]map[uint64]func(T))}
}

func (t *topic[T]) subscribe(id ViewID, fn func(T)) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	key := t.nextID
	set, ok := t.handlers[id]
	if !ok {
		set = make(map[uint64]func(T))
		t.handlers[id] = set
	}
	set[key] = fn

	return &subscription{cancel: func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if set, ok := t.handlers[id]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(t.handlers, id)
			}
		}
	}}
}

// publish delivers v to id's handlers and returns how many ran.
func (t *topic[T]) publish(id ViewID, v T) int {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.handlers[id]))
	for _, fn := range t.handlers[id] {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns)
}

// broadcast delivers v to every subscribed view.
func (t *topic[T]) broadcast(v T) int {
	t.mu.RLock()
	var fns []func(T)
	for _, set := range t.handlers {
		for _, fn := range set {
			fns = append(fns, fn)
		}
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns)
}

func (t *topic[T]) count(id ViewID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[id])
}

// hub holds the per-view event topics a ViewState subscribes to while
// initialized.
type hub struct {
	layout    *topic[LayoutChange]
	selection *topic[[]Selection]
	focus     *topic[struct{}]
	markers   *topic[string]
}

func newHub() *hub {
	return &hub{
		layout:    newTopic[LayoutChange](),
		selection: newTopic[[]Selection](),
		focus:     newTopic[struct{}](),
		markers:   newTopic[string](),
	}
}

// subscriptions returns the total handlers attached for id across topics.
func (h *hub) subscriptions(id ViewID) int {
	return h.layout.count(id) + h.selection.count(id) + h.focus.count(id) + h.markers.count(id)
}
