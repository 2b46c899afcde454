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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/viewsync/services/viewsync/docid"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
	"github.com/AleutianAI/viewsync/services/viewsync/textpos"
)

const (
	testWindow = 20 * time.Millisecond
	testWait   = 2 * time.Second
	testTick   = 2 * time.Millisecond
)

// fakeView is an EditorView whose state a test mutates between events.
type fakeView struct {
	id   ViewID
	path string

	mu         sync.Mutex
	ranges     []Range
	selections []Selection
	lineCount  int
	inLayout   bool
}

func newFakeView(id ViewID, path string) *fakeView {
	return &fakeView{id: id, path: path, lineCount: 100, ranges: []Range{lines(0, 40)}}
}

func (v *fakeView) ID() ViewID       { return v.id }
func (v *fakeView) FilePath() string { return v.path }

func (v *fakeView) VisibleRanges() []Range {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Range(nil), v.ranges...)
}

func (v *fakeView) Selections() []Selection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Selection(nil), v.selections...)
}

func (v *fakeView) LineCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lineCount
}

func (v *fakeView) InLayout() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inLayout
}

func (v *fakeView) scrollTo(first, last, lineCount int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ranges = []Range{lines(first, last)}
	v.lineCount = lineCount
}

func (v *fakeView) setInLayout(b bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inLayout = b
}

func lines(first, last int) Range {
	return Range{Start: textpos.Position{Line: first}, End: textpos.Position{Line: last}}
}

// fakeHost is a HostState with settable flags.
type fakeHost struct {
	mu           sync.Mutex
	webview      bool
	markersPanel bool
	active       string
	panicOnPoll  bool
}

func (h *fakeHost) IsWebviewVisible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicOnPoll {
		panic("host state unavailable")
	}
	return h.webview
}

func (h *fakeHost) IsMarkersPanelVisible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.markersPanel
}

func (h *fakeHost) ActiveEditor() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, h.active != ""
}

func (h *fakeHost) set(webview, markersPanel bool, active string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.webview = webview
	h.markersPanel = markersPanel
	h.active = active
}

// fakeNotifier records every host notification.
type fakeNotifier struct {
	mu      sync.Mutex
	ranges  []VisibleRangesChanged
	changes []ActiveEditorChanged
	clears  int
	err     error
}

func (n *fakeNotifier) NotifyVisibleRangesChanged(_ context.Context, c VisibleRangesChanged) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ranges = append(n.ranges, c)
	return n.err
}

func (n *fakeNotifier) NotifyActiveEditorChanged(_ context.Context, c ActiveEditorChanged) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return n.err
}

func (n *fakeNotifier) NotifyActiveEditorCleared(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clears++
	return n.err
}

func (n *fakeNotifier) visibleRanges() []VisibleRangesChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]VisibleRangesChanged(nil), n.ranges...)
}

func (n *fakeNotifier) activeChanges() []ActiveEditorChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ActiveEditorChanged(nil), n.changes...)
}

func (n *fakeNotifier) clearCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clears
}

// fakeFetcher answers with per-document markers and counts calls by
// normalized document.
type fakeFetcher struct {
	mu    sync.Mutex
	byDoc map[string][]markers.Marker
	calls map[string]int
	err   error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{byDoc: make(map[string][]markers.Marker), calls: make(map[string]int)}
}

func (f *fakeFetcher) FetchMarkers(_ context.Context, uri string) ([]markers.Marker, error) {
	key := docid.Normalize(uri)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]markers.Marker(nil), f.byDoc[key]...), nil
}

func (f *fakeFetcher) callsFor(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[docid.Normalize(path)]
}

func (f *fakeFetcher) setMarkers(path string, ms ...markers.Marker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDoc[docid.Normalize(path)] = ms
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// harness bundles a Controller with its fakes.
type harness struct {
	c        *Controller
	host     *fakeHost
	notifier *fakeNotifier
	fetcher  *fakeFetcher
}

func newHarness(t *testing.T, mutate ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		host:     &fakeHost{},
		notifier: &fakeNotifier{},
		fetcher:  newFakeFetcher(),
	}
	deps := Dependencies{Notifier: h.notifier, Host: h.host, Fetcher: h.fetcher}
	for _, m := range mutate {
		m(&deps)
	}
	c, err := NewController(Config{QuiescenceWindow: testWindow, MarkerFetchTimeout: time.Second}, deps)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(c.Close)
	return h
}

// waitFetches waits until path has been fetched n times and the result applied.
func (h *harness) waitFetches(t *testing.T, id ViewID, path string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if h.fetcher.callsFor(path) < n {
			return false
		}
		vs, ok := h.c.View(id)
		if !ok {
			return false
		}
		mm := vs.markerManager()
		if mm == nil {
			return false
		}
		st := mm.Stats()
		return !st.Fetching && !st.Dirty && mm.Markers() != nil
	}, testWait, testTick)
}
