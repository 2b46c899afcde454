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
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/viewsync/services/viewsync"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
	"github.com/AleutianAI/viewsync/services/viewsync/uiloop"
)

// TestControllerOverWebsocket drives a real Controller through the bridge
// the way viewsyncd wires them.
func TestControllerOverWebsocket(t *testing.T) {
	loop := uiloop.New(64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()

	env := newTestEnv(t, Options{Post: loop.Post})
	ctrl, err := viewsync.NewController(
		viewsync.Config{QuiescenceWindow: 10 * time.Millisecond, MarkerFetchTimeout: time.Second},
		viewsync.Dependencies{
			Notifier:       env.bridge,
			Host:           env.bridge,
			Fetcher:        env.bridge,
			Dispatch:       loop.Dispatch,
			MarkersUpdated: env.bridge.MarkersUpdated,
		},
	)
	require.NoError(t, err)
	env.bridge.Bind(ctrl)

	t.Cleanup(func() {
		env.bridge.Close()
		ctrl.Close()
		cancel()
		<-loopDone
	})

	ws := env.dial(t)

	sendMsg(t, ws, TypeHostState, HostStateMsg{WebviewVisible: true, MarkersPanelVisible: true, ActiveEditor: "/src/a.go"})
	sendMsg(t, ws, TypeBufferConnected, BufferConnectedMsg{
		ViewID: "v1", FilePath: "/src/a.go", Buffers: []viewsync.BufferID{"b1"},
		VisibleRanges: []viewsync.Range{lines(0, 40)}, LineCount: 100,
	})
	sendMsg(t, ws, TypeSessionReady, nil)
	sendMsg(t, ws, TypeLayoutChanged, LayoutChangedMsg{
		ViewID: "v1", VerticalTranslation: true, VisibleRanges: []viewsync.Range{lines(50, 90)}, LineCount: 100,
	})

	seen := map[string]Envelope{}
	want := []string{TypeActiveEditorChanged, TypeMarkersUpdated, TypeVisibleRangesChanged}
	deadline := time.Now().Add(testWait)
	for !hasAll(seen, want) {
		require.True(t, time.Now().Before(deadline), "saw %v", keys(seen))
		msg := readMsg(t, ws)
		if msg.Type == TypeFetchMarkers {
			var req FetchMarkersMsg
			require.NoError(t, json.Unmarshal(msg.Data, &req))
			sendMsg(t, ws, TypeFetchMarkersResult, FetchMarkersResultMsg{
				ID: req.ID, Markers: []markers.Marker{{ID: "m1", Kind: "comment"}},
			})
			continue
		}
		seen[msg.Type] = msg
	}

	var vr viewsync.VisibleRangesChanged
	require.NoError(t, json.Unmarshal(seen[TypeVisibleRangesChanged].Data, &vr))
	assert.Equal(t, []viewsync.Range{lines(50, 90)}, vr.VisibleRanges)
	assert.Equal(t, 100, vr.LineCount)

	var mu MarkersUpdatedMsg
	require.NoError(t, json.Unmarshal(seen[TypeMarkersUpdated].Data, &mu))
	assert.Equal(t, []markers.Marker{{ID: "m1", Kind: "comment"}}, mu.Markers)

	got, ok := ctrl.Markers("v1")
	require.True(t, ok)
	assert.Len(t, got, 1)

	// The host going away tears the view down.
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return ctrl.Stats().Views == 0 }, testWait, testTick)
}

// TestNotifyingFromUILoopDoesNotWaitForHost checks that a slow outbound
// rate never stalls work posted to the UI loop.
func TestNotifyingFromUILoopDoesNotWaitForHost(t *testing.T) {
	loop := uiloop.New(64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-loopDone
	})

	env := newTestEnv(t, Options{Post: loop.Post, NotifyRate: 2, NotifyBurst: 1})
	ws := env.dial(t)

	start := time.Now()
	require.NoError(t, loop.Sync(ctx, func() {
		for i := 0; i < 4; i++ {
			assert.NoError(t, env.bridge.NotifyActiveEditorChanged(ctx, viewsync.ActiveEditorChanged{FilePath: "/src/a.go"}))
		}
		assert.NoError(t, env.bridge.NotifyActiveEditorCleared(ctx))
	}))
	require.NoError(t, loop.Sync(ctx, func() {}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, TypeActiveEditorChanged, readMsg(t, ws).Type)
	assert.Zero(t, env.bridge.Stats().Dropped)
}

func hasAll(seen map[string]Envelope, want []string) bool {
	for _, w := range want {
		if _, ok := seen[w]; !ok {
			return false
		}
	}
	return true
}

func keys(m map[string]Envelope) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
