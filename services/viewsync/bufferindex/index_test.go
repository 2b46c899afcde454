// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bufferindex

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	view ViewID
}

func newState(view ViewID) func() *testState {
	return func() *testState { return &testState{view: view} }
}

func TestIndex_ConnectCreatesStateOnce(t *testing.T) {
	x := New[*testState]()

	first := x.Connect("v1", []BufferID{"b1"}, newState("v1"))
	require.True(t, first.Created)
	require.NotNil(t, first.State)
	assert.Equal(t, 1, first.Added)

	created := 0
	second := x.Connect("v1", []BufferID{"b1", "b2"}, func() *testState {
		created++
		return &testState{}
	})
	assert.False(t, second.Created)
	assert.Same(t, first.State, second.State)
	assert.Equal(t, 0, created)
	assert.Equal(t, 1, second.Added, "only b2 is new")

	assert.Equal(t, 2, x.BufferCount())
	assert.Equal(t, 1, x.ViewCount())
	assert.Equal(t, []BufferID{"b1", "b2"}, x.BuffersFor("v1"))
}

func TestIndex_ConnectWithoutBuffersIsNoop(t *testing.T) {
	x := New[*testState]()

	result := x.Connect("v1", nil, newState("v1"))
	assert.False(t, result.Created)
	assert.Nil(t, result.State)
	assert.Equal(t, 0, x.ViewCount())

	result = x.Connect("v1", []BufferID{""}, newState("v1"))
	assert.False(t, result.Created)
	assert.Equal(t, 0, x.BufferCount())
}

func TestIndex_SplitViews(t *testing.T) {
	x := New[*testState]()
	x.Connect("v1", []BufferID{"b"}, newState("v1"))
	x.Connect("v2", []BufferID{"b"}, newState("v2"))

	assert.Equal(t, []ViewID{"v1", "v2"}, x.ViewsFor("b"))

	r := x.Disconnect("v1", []BufferID{"b"})
	assert.True(t, r.Known)
	assert.True(t, r.ViewRemoved, "v1 has no buffers left")
	assert.Empty(t, r.EmptiedBuffers, "v2 still shows b")
	assert.False(t, r.IndexEmpty)
	assert.True(t, x.Contains("b"))

	r = x.Disconnect("v2", []BufferID{"b"})
	assert.True(t, r.ViewRemoved)
	assert.Equal(t, []BufferID{"b"}, r.EmptiedBuffers)
	assert.True(t, r.IndexEmpty)
	assert.False(t, x.Contains("b"))
	assert.Equal(t, 0, x.ViewCount())
}

func TestIndex_DisconnectUnknownIsNoop(t *testing.T) {
	x := New[*testState]()

	r := x.Disconnect("ghost", []BufferID{"b"})
	assert.False(t, r.Known)
	assert.False(t, r.ViewRemoved)
	assert.False(t, r.IndexEmpty)

	x.Connect("v1", []BufferID{"b1"}, newState("v1"))
	r = x.Disconnect("v1", []BufferID{"other"})
	assert.True(t, r.Known)
	assert.False(t, r.ViewRemoved)
	assert.Empty(t, r.EmptiedBuffers)
	assert.True(t, x.Contains("b1"))
}

func TestIndex_PartialDisconnectKeepsView(t *testing.T) {
	x := New[*testState]()
	x.Connect("v1", []BufferID{"b1", "b2"}, newState("v1"))

	r := x.Disconnect("v1", []BufferID{"b1"})
	assert.False(t, r.ViewRemoved)
	assert.Equal(t, []BufferID{"b1"}, r.EmptiedBuffers)
	assert.False(t, r.IndexEmpty, "b2 remains")

	state, ok := x.Get("v1")
	require.True(t, ok)
	assert.Equal(t, ViewID("v1"), state.view)
}

func TestIndex_ConcurrentConnectDisconnect(t *testing.T) {
	x := New[*testState]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view := ViewID(fmt.Sprintf("v%d", i))
			buffer := BufferID(fmt.Sprintf("b%d", i%5))
			x.Connect(view, []BufferID{buffer}, newState(view))
			x.Disconnect(view, []BufferID{buffer})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, x.BufferCount(), "no dangling empty sets")
	assert.Equal(t, 0, x.ViewCount())
	assert.Empty(t, x.States())
}
