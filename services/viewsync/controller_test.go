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
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/viewsync/services/viewsync/markers"
	"github.com/AleutianAI/viewsync/services/viewsync/textpos"
	"github.com/AleutianAI/viewsync/services/viewsync/uiloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	host := &fakeHost{}
	n := &fakeNotifier{}
	f := newFakeFetcher()

	_, err := NewController(Config{}, Dependencies{Host: host, Fetcher: f})
	assert.ErrorIs(t, err, ErrNilNotifier)

	_, err = NewController(Config{}, Dependencies{Notifier: n, Fetcher: f})
	assert.ErrorIs(t, err, ErrNilHostState)

	_, err = NewController(Config{}, Dependencies{Notifier: n, Host: host})
	assert.ErrorIs(t, err, ErrNilFetcher)

	c, err := NewController(Config{}, Dependencies{Notifier: n, Host: host, Fetcher: f})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, DefaultConfig(), c.cfg)
}

func TestController_ConcurrentReadyInitializesOnce(t *testing.T) {
	h := newHarness(t)
	v1 := newFakeView("v1", "/src/a.ts")
	h.c.OnBufferConnected(v1, "b1")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h.c.OnSessionReady()
		}()
	}
	close(start)
	wg.Wait()

	stats := h.c.Stats()
	assert.Equal(t, uint64(1), stats.Initializations)
	assert.Equal(t, uint64(1), stats.MarkerManagers)
	assert.Equal(t, 4, h.c.hub.subscriptions("v1"), "one handler per event kind")
	h.waitFetches(t, "v1", "/src/a.ts", 1)
	assert.Equal(t, 1, h.fetcher.callsFor("/src/a.ts"))
}

func TestController_ConnectBeforeReadyWaitsForSession(t *testing.T) {
	h := newHarness(t)
	v1 := newFakeView("v1", "/src/a.ts")
	h.c.OnBufferConnected(v1, "b1")

	vs, ok := h.c.View("v1")
	require.True(t, ok)
	assert.False(t, vs.IsInitialized())
	assert.Equal(t, 0, h.c.hub.subscriptions("v1"))

	// Events before initialization are ignored.
	h.c.OnLayoutChanged("v1", LayoutChange{TranslatedLines: 3})
	assert.Equal(t, 0, h.fetcher.callsFor("/src/a.ts"))

	h.c.OnSessionReady()
	assert.True(t, vs.IsInitialized())
	h.waitFetches(t, "v1", "/src/a.ts", 1)

	// Connecting after ready initializes immediately.
	v2 := newFakeView("v2", "/src/b.ts")
	h.c.OnBufferConnected(v2, "b2")
	vs2, ok := h.c.View("v2")
	require.True(t, ok)
	assert.True(t, vs2.IsInitialized())
}

func TestController_DisconnectEmptiesIndexAndClearsActiveEditor(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "/src/a.ts")

	v1 := newFakeView("v1", "/src/a.ts")
	v2 := newFakeView("v2", "/src/a.ts")
	h.c.OnSessionReady()
	h.c.OnBufferConnected(v1, "b1")
	h.c.OnBufferConnected(v2, "b1", "b2")

	active, ok := h.c.tracker.Current()
	require.True(t, ok)
	assert.Equal(t, "/src/a.ts", active)

	h.c.OnBufferDisconnected("v1", "b1")
	_, ok = h.c.View("v1")
	assert.False(t, ok)
	assert.True(t, h.c.index.Contains("b1"), "v2 still shows b1")
	assert.Equal(t, 0, h.notifier.clearCount())

	// Unknown pairs are no-ops.
	h.c.OnBufferDisconnected("v1", "b1")
	h.c.OnBufferDisconnected("ghost", "b9")

	h.c.OnBufferDisconnected("v2", "b1", "b2")
	assert.Equal(t, 0, h.c.index.BufferCount())
	assert.Equal(t, 0, h.c.index.ViewCount())
	assert.Equal(t, 1, h.notifier.clearCount())
	assert.Empty(t, h.c.Stats().ActiveEditor)
	assert.Equal(t, uint64(2), h.c.Stats().Teardowns)
}

func TestController_PartialDisconnectKeepsView(t *testing.T) {
	h := newHarness(t)
	h.c.OnSessionReady()
	v1 := newFakeView("v1", "/src/a.ts")
	h.c.OnBufferConnected(v1, "b1", "b2")

	h.c.OnBufferDisconnected("v1", "b1")
	vs, ok := h.c.View("v1")
	require.True(t, ok)
	assert.True(t, vs.IsLive())
	assert.True(t, vs.IsInitialized())
	assert.Equal(t, uint64(0), h.c.Stats().Teardowns)
	assert.Equal(t, 0, h.notifier.clearCount())
}

func TestController_MarkerEventsMatchOwnDocumentOnly(t *testing.T) {
	h := newHarness(t)
	foo := newFakeView("foo", "/src/Foo.ts")
	bar := newFakeView("bar", "/src/bar.ts")
	h.c.OnBufferConnected(foo, "b-foo")
	h.c.OnBufferConnected(bar, "b-bar")
	h.c.OnSessionReady()
	h.waitFetches(t, "foo", "/src/foo.ts", 1)
	h.waitFetches(t, "bar", "/src/bar.ts", 1)

	// Different casing, same document.
	h.c.OnMarkerSourceChanged("file:///src/foo.ts")

	fooState, _ := h.c.View("foo")
	barState, _ := h.c.View("bar")
	assert.True(t, fooState.markerManager().IsDirty())
	assert.False(t, barState.markerManager().IsDirty())
	assert.Equal(t, uint64(1), h.c.Stats().MarkerEventsMatched)

	// Marking dirty does not fetch by itself.
	assert.Equal(t, 1, h.fetcher.callsFor("/src/foo.ts"))

	// The next layout refetches only the affected document.
	h.c.OnLayoutChanged("foo", LayoutChange{VerticalTranslation: true})
	h.c.OnLayoutChanged("bar", LayoutChange{VerticalTranslation: true})
	h.waitFetches(t, "foo", "/src/foo.ts", 2)
	assert.Equal(t, 2, h.fetcher.callsFor("/src/foo.ts"))
	assert.Equal(t, 1, h.fetcher.callsFor("/src/bar.ts"))
}

func TestController_ScrollingDoesNotRefetch(t *testing.T) {
	h := newHarness(t)
	v1 := newFakeView("v1", "/src/a.ts")
	h.c.OnBufferConnected(v1, "b1")
	h.c.OnSessionReady()
	h.waitFetches(t, "v1", "/src/a.ts", 1)

	for i := 0; i < 10; i++ {
		h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	}
	assert.Equal(t, 1, h.fetcher.callsFor("/src/a.ts"))

	h.c.OnLayoutChanged("v1", LayoutChange{TranslatedLines: 2})
	h.waitFetches(t, "v1", "/src/a.ts", 2)
}

func TestController_BurstEmitsOnceWithLastState(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "")
	v1 := newFakeView("v1", "/src/a.ts")
	h.c.OnBufferConnected(v1, "b1")
	h.c.OnSessionReady()

	for i := 1; i <= 5; i++ {
		v1.scrollTo(i*10, i*10+40, 100+i)
		h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	}

	require.Eventually(t, func() bool { return len(h.notifier.visibleRanges()) == 1 }, testWait, testTick)
	time.Sleep(3 * testWindow)

	got := h.notifier.visibleRanges()
	require.Len(t, got, 1)
	want := VisibleRangesChanged{
		DocumentURI:   "file:///src/a.ts",
		Selections:    []Selection{},
		VisibleRanges: []Range{lines(50, 90)},
		LineCount:     105,
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("notification mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), h.c.Stats().NotificationsSent)
}

func TestController_NotificationNeedsVisiblePanelsAndMovement(t *testing.T) {
	tests := []struct {
		name    string
		webview bool
		panel   bool
		change  LayoutChange
	}{
		{name: "webview hidden", webview: false, panel: true, change: LayoutChange{VerticalTranslation: true}},
		{name: "markers panel hidden", webview: true, panel: false, change: LayoutChange{VerticalTranslation: true}},
		{name: "horizontal only", webview: true, panel: true, change: LayoutChange{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.host.set(tt.webview, tt.panel, "")
			h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
			h.c.OnSessionReady()

			h.c.OnLayoutChanged("v1", tt.change)
			time.Sleep(3 * testWindow)
			assert.Empty(t, h.notifier.visibleRanges())
		})
	}
}

func TestController_MidLayoutDropsPendingNotification(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "")
	v1 := newFakeView("v1", "/src/a.ts")
	h.c.OnBufferConnected(v1, "b1")
	h.c.OnSessionReady()

	v1.setInLayout(true)
	h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	time.Sleep(3 * testWindow)
	assert.Empty(t, h.notifier.visibleRanges(), "dropped, not deferred")

	v1.setInLayout(false)
	time.Sleep(3 * testWindow)
	assert.Empty(t, h.notifier.visibleRanges())

	h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	require.Eventually(t, func() bool { return len(h.notifier.visibleRanges()) == 1 }, testWait, testTick)
}

func TestController_DisconnectCancelsPendingNotification(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "")
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()

	h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	h.c.OnBufferDisconnected("v1", "b1")

	time.Sleep(3 * testWindow)
	assert.Empty(t, h.notifier.visibleRanges())
}

func TestController_SelectionNotifiesWithReportedSelections(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "/src/a.ts")
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()

	sel := []Selection{{
		Start:  textpos.Position{Line: 4, Character: 2},
		End:    textpos.Position{Line: 4, Character: 9},
		Cursor: textpos.Position{Line: 4, Character: 9},
	}}
	h.c.OnSelectionChanged("v1", sel)

	require.Eventually(t, func() bool { return len(h.notifier.visibleRanges()) == 1 }, testWait, testTick)
	assert.Equal(t, sel, h.notifier.visibleRanges()[0].Selections)
}

func TestController_LogoutThenReadyReinitializesOnce(t *testing.T) {
	h := newHarness(t)
	h.fetcher.setMarkers("/src/a.ts", markers.Marker{ID: "m1"})
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()
	h.waitFetches(t, "v1", "/src/a.ts", 1)

	got, ok := h.c.Markers("v1")
	require.True(t, ok)
	require.Len(t, got, 1)

	h.c.OnSessionLogout()
	h.c.OnSessionLogout()

	vs, _ := h.c.View("v1")
	assert.False(t, vs.IsInitialized())
	assert.Equal(t, 0, h.c.hub.subscriptions("v1"))
	got, ok = h.c.Markers("v1")
	assert.True(t, ok)
	assert.Empty(t, got, "cache is empty right after logout")
	assert.False(t, vs.markerManager().IsInitialized())

	h.c.OnSessionReady()
	h.c.OnSessionReady()

	assert.True(t, vs.IsInitialized())
	assert.Equal(t, uint64(2), h.c.Stats().Initializations)
	assert.Equal(t, uint64(1), h.c.Stats().MarkerManagers, "manager reused across sessions")
	assert.Equal(t, 4, h.c.hub.subscriptions("v1"))
	h.waitFetches(t, "v1", "/src/a.ts", 2)
}

func TestController_LogoutBeforeAnyInitialization(t *testing.T) {
	h := newHarness(t)
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")

	assert.NotPanics(t, func() {
		h.c.OnSessionLogout()
		h.c.OnBufferDisconnected("v1", "b1")
		h.c.OnSessionLogout()
	})
	assert.Equal(t, uint64(1), h.c.Stats().Teardowns)
}

func TestController_FetchFailureLeavesNoMarkers(t *testing.T) {
	h := newHarness(t)
	h.fetcher.setErr(errors.New("agent unavailable"))
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()

	vs, _ := h.c.View("v1")
	require.Eventually(t, func() bool { return vs.markerManager().IsDirty() }, testWait, testTick)

	got, ok := h.c.Markers("v1")
	assert.True(t, ok)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	// The next natural trigger retries.
	h.fetcher.setErr(nil)
	h.fetcher.setMarkers("/src/a.ts", markers.Marker{ID: "m1"})
	h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	h.waitFetches(t, "v1", "/src/a.ts", 2)
	got, _ = h.c.Markers("v1")
	assert.Len(t, got, 1)
}

func TestController_FocusReconcilesAgainstHost(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, false, "/SRC/B.ts")
	h.c.OnSessionReady()
	h.c.OnBufferConnected(newFakeView("a", "/src/a.ts"), "ba")
	h.c.OnBufferConnected(newFakeView("b", "/src/b.ts"), "bb")
	require.Len(t, h.notifier.activeChanges(), 1, "b matched on initialization")

	// A preview pane of another document gains focus.
	h.c.OnFocusGained("a")
	assert.Len(t, h.notifier.activeChanges(), 1)
	assert.Equal(t, ViewID("a"), h.c.Stats().FocusedView)

	h.c.OnFocusGained("b")
	changes := h.notifier.activeChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, ActiveEditorChanged{FilePath: "/src/b.ts", URI: "file:///src/b.ts"}, changes[1])
	assert.Equal(t, ViewID("b"), h.c.Stats().FocusedView)
	assert.Equal(t, "/src/b.ts", h.c.Stats().ActiveEditor)
}

func TestController_ViewsForFile(t *testing.T) {
	h := newHarness(t)
	h.c.OnBufferConnected(newFakeView("left", "/src/Foo.ts"), "b1")
	h.c.OnBufferConnected(newFakeView("right", "/src/foo.ts"), "b1")
	h.c.OnBufferConnected(newFakeView("other", "/src/bar.ts"), "b2")

	assert.ElementsMatch(t, []ViewID{"left", "right"}, h.c.ViewsForFile("file:///src/FOO.ts"))
	assert.Equal(t, []ViewID{"other"}, h.c.ViewsForFile("/src/bar.ts"))
	assert.Empty(t, h.c.ViewsForFile("/src/none.ts"))
}

func TestController_SplitViewsShareOneFetch(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeFetcher()
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	blocking := markers.FetcherFunc(func(ctx context.Context, uri string) ([]markers.Marker, error) {
		once.Do(calls.Done)
		<-gate
		return f.FetchMarkers(ctx, uri)
	})

	h := newHarness(t, func(d *Dependencies) { d.Fetcher = blocking })
	h.c.OnBufferConnected(newFakeView("left", "/src/a.ts"), "b1")
	h.c.OnBufferConnected(newFakeView("right", "/src/a.ts"), "b1")
	h.c.OnSessionReady()

	calls.Wait()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		l, _ := h.c.Markers("left")
		r, _ := h.c.Markers("right")
		return l != nil && r != nil
	}, testWait, testTick)
	assert.Equal(t, 1, f.callsFor("/src/a.ts"))
	assert.Equal(t, uint64(2), h.c.Stats().MarkerRequests)
}

func TestController_MarkerChangeDuringSharedFetchRefetches(t *testing.T) {
	var mu sync.Mutex
	version := 1
	var gate chan struct{}
	calls := 0
	backend := markers.FetcherFunc(func(ctx context.Context, _ string) ([]markers.Marker, error) {
		mu.Lock()
		v, g := version, gate
		calls++
		mu.Unlock()
		if g != nil {
			select {
			case <-g:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []markers.Marker{{ID: strconv.Itoa(v)}}, nil
	})
	callCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	h := newHarness(t, func(d *Dependencies) { d.Fetcher = backend })
	markersOf := func(id ViewID) []markers.Marker {
		ms, _ := h.c.Markers(id)
		return ms
	}
	h.c.OnBufferConnected(newFakeView("left", "/src/a.ts"), "b1")
	h.c.OnBufferConnected(newFakeView("right", "/src/a.ts"), "b2")
	h.c.OnSessionReady()
	require.Eventually(t, func() bool {
		return len(markersOf("left")) == 1 && len(markersOf("right")) == 1
	}, testWait, testTick)

	release := make(chan struct{})
	mu.Lock()
	gate = release
	mu.Unlock()

	before := callCount()
	require.NoError(t, h.c.RefreshMarkers("left"))
	require.Eventually(t, func() bool { return callCount() == before+1 }, testWait, testTick)

	// The backend moves on while left's fetch is still out.
	mu.Lock()
	version = 2
	mu.Unlock()
	h.c.OnMarkerSourceChanged("/src/a.ts")
	h.c.OnLayoutChanged("right", LayoutChange{})
	require.Eventually(t, func() bool { return callCount() == before+2 }, testWait, testTick,
		"right must not join the fetch that predates the change")

	close(release)
	require.Eventually(t, func() bool {
		return cmp.Equal([]markers.Marker{{ID: "2"}}, markersOf("right"))
	}, testWait, testTick)

	vs, ok := h.c.View("right")
	require.True(t, ok)
	assert.False(t, vs.markerManager().IsDirty())

	// Left got the older answer but stays dirty, so its next layout refetches.
	h.c.OnLayoutChanged("left", LayoutChange{})
	require.Eventually(t, func() bool {
		return cmp.Equal([]markers.Marker{{ID: "2"}}, markersOf("left"))
	}, testWait, testTick)
}

func TestController_LogoutDuringInitializationWins(t *testing.T) {
	h := newHarness(t)
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	vs, ok := h.c.View("v1")
	require.True(t, ok)

	h.c.gate.SetReady()
	vs.initMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.initialize(vs)
	}()
	// Let initialize pass its unlocked check and wait on the view's lock.
	time.Sleep(20 * time.Millisecond)
	h.c.gate.SetLoggedOut()
	vs.initMu.Unlock()
	<-done

	assert.False(t, vs.initialized.Load())
	assert.Nil(t, vs.markerManager())
	assert.Zero(t, h.fetcher.callsFor("/src/a.ts"))
	assert.Zero(t, h.c.Stats().Initializations)
}

func TestController_RefreshMarkers(t *testing.T) {
	h := newHarness(t)
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")

	assert.ErrorIs(t, h.c.RefreshMarkers("ghost"), ErrUnknownView)
	assert.ErrorIs(t, h.c.RefreshMarkers("v1"), ErrNotInitialized)

	h.c.OnSessionReady()
	h.waitFetches(t, "v1", "/src/a.ts", 1)

	require.NoError(t, h.c.RefreshMarkers("v1"))
	h.waitFetches(t, "v1", "/src/a.ts", 2)

	h.c.Close()
	assert.ErrorIs(t, h.c.RefreshMarkers("v1"), ErrClosed)
}

func TestController_MarkersUpdatedOnUILoop(t *testing.T) {
	loop := uiloop.New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-loop.Done()
	}()
	go func() { _ = loop.Run(ctx) }()

	type update struct {
		id      ViewID
		markers []markers.Marker
	}
	updates := make(chan update, 4)

	h := newHarness(t, func(d *Dependencies) {
		d.Dispatch = loop.Dispatch
		d.MarkersUpdated = func(id ViewID, ms []markers.Marker) { updates <- update{id, ms} }
	})
	h.fetcher.setMarkers("/src/a.ts", markers.Marker{ID: "m1", Kind: "comment"})

	require.NoError(t, loop.Sync(ctx, func() {
		h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
		h.c.OnSessionReady()
	}))

	select {
	case u := <-updates:
		assert.Equal(t, ViewID("v1"), u.id)
		assert.Equal(t, []markers.Marker{{ID: "m1", Kind: "comment"}}, u.markers)
	case <-time.After(testWait):
		t.Fatal("no marker update delivered")
	}
	assert.GreaterOrEqual(t, loop.Stats().Executed, uint64(2))

	// Close here so nothing posts to the loop after it stops.
	h.c.Close()
}

func TestController_HostIntegrationErrorsAreContained(t *testing.T) {
	h := newHarness(t)

	assert.NotPanics(t, func() {
		h.c.OnBufferConnected(nil, "b1")
		h.c.OnBufferConnected(newFakeView("v1", ""), "b1")
		h.c.OnBufferConnected(newFakeView("", "/src/a.ts"), "b1")
		h.c.OnMarkerSourceChanged("  ")
	})
	assert.Equal(t, 0, h.c.index.ViewCount())
	assert.Equal(t, uint64(4), h.c.Stats().ErrorsReported)

	// Connect with no buffers registers nothing.
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"))
	assert.Equal(t, 0, h.c.index.ViewCount())
}

func TestController_PanickingHostIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()
	h.host.mu.Lock()
	h.host.panicOnPoll = true
	h.host.mu.Unlock()

	assert.NotPanics(t, func() {
		h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	})
	assert.Equal(t, uint64(1), h.c.Stats().ErrorsReported)
}

func TestController_NotifyFailureIsCounted(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "")
	h.notifier.err = errors.New("webview closed")
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()

	h.c.OnLayoutChanged("v1", LayoutChange{VerticalTranslation: true})
	require.Eventually(t, func() bool { return h.c.Stats().NotificationsFailed == 1 }, testWait, testTick)
	assert.Equal(t, uint64(0), h.c.Stats().NotificationsSent)
}

func TestController_CloseIsIdempotentAndFinal(t *testing.T) {
	h := newHarness(t)
	h.c.OnBufferConnected(newFakeView("v1", "/src/a.ts"), "b1")
	h.c.OnSessionReady()

	h.c.Close()
	h.c.Close()

	assert.Equal(t, 0, h.c.index.ViewCount())
	h.c.OnBufferConnected(newFakeView("v2", "/src/b.ts"), "b2")
	assert.Equal(t, 0, h.c.index.ViewCount())
	assert.Equal(t, uint64(1), h.c.Stats().Teardowns)
}

// TestController_Lifecycle walks a view through connect, ready, a layout
// burst, logout and disconnect, then checks a second view on the same
// buffer starts fresh.
func TestController_Lifecycle(t *testing.T) {
	h := newHarness(t)
	h.host.set(true, true, "")

	v1 := newFakeView("V1", "/src/b.ts")
	h.c.OnBufferConnected(v1, "B")
	h.c.OnSessionReady()

	vs1, ok := h.c.View("V1")
	require.True(t, ok)
	assert.True(t, vs1.IsInitialized())
	h.waitFetches(t, "V1", "/src/b.ts", 1)

	for i := 0; i < 5; i++ {
		v1.scrollTo(i, i+30, 200)
		h.c.OnLayoutChanged("V1", LayoutChange{VerticalTranslation: true})
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(h.notifier.visibleRanges()) == 1 }, testWait, testTick)
	time.Sleep(3 * testWindow)
	assert.Len(t, h.notifier.visibleRanges(), 1)
	assert.Equal(t, 1, h.fetcher.callsFor("/src/b.ts"), "markers fetched once")

	h.c.OnSessionLogout()
	assert.False(t, vs1.IsInitialized())
	assert.Equal(t, 0, h.c.hub.subscriptions("V1"))

	h.c.OnBufferDisconnected("V1", "B")
	assert.False(t, h.c.index.Contains("B"))
	assert.False(t, vs1.IsLive())

	v2 := newFakeView("V2", "/src/b.ts")
	h.c.OnBufferConnected(v2, "B")
	h.c.OnSessionReady()

	vs2, ok := h.c.View("V2")
	require.True(t, ok)
	assert.NotSame(t, vs1, vs2)
	assert.True(t, vs2.IsInitialized())
	assert.NotSame(t, vs1.markerManager(), vs2.markerManager())
	h.waitFetches(t, "V2", "/src/b.ts", 2)

	stats := h.c.Stats()
	assert.Equal(t, uint64(2), stats.Initializations)
	assert.Equal(t, uint64(2), stats.MarkerManagers)
	assert.Equal(t, 1, stats.Views)
	assert.Equal(t, 1, stats.Buffers)
}
