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
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/viewsync/services/viewsync/activeeditor"
	"github.com/AleutianAI/viewsync/services/viewsync/bufferindex"
	"github.com/AleutianAI/viewsync/services/viewsync/debounce"
	"github.com/AleutianAI/viewsync/services/viewsync/docid"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
	"github.com/AleutianAI/viewsync/services/viewsync/session"
)

// Controller drives the lifecycle of every connected view.
//
// Description:
//
//	The exposed On* handlers are the whole inbound surface. Each one
//	updates the index or the view state first, then calls collaborators
//	with no lock held.
//
// Thread Safety:
//
//	Safe for concurrent use; see the package documentation.
type Controller struct {
	cfg            Config
	notifier       HostNotifier
	host           HostState
	fetcher        markers.Fetcher
	shared         *markers.SharedFetcher
	dispatch       func(func())
	markersUpdated func(ViewID, []markers.Marker)
	logger         *slog.Logger

	index   *bufferindex.Index[*ViewState]
	gate    *session.Gate
	tracker *activeeditor.Tracker
	hub     *hub
	errs    *errorReporter

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	initializations     atomic.Uint64
	teardowns           atomic.Uint64
	managersCreated     atomic.Uint64
	markerRequests      atomic.Uint64
	markerEventsMatched atomic.Uint64
	notificationsSent   atomic.Uint64
	notificationsFailed atomic.Uint64
}

// NewController creates a Controller with no views and the session logged
// out.
//
// Inputs:
//
//	cfg - Tunables. Zero fields use DefaultConfig values.
//	deps - Collaborators. Notifier, Host and Fetcher are required.
//
// Outputs:
//
//	*Controller - Ready for events.
//	error - ErrNilNotifier, ErrNilHostState or ErrNilFetcher.
func NewController(cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Notifier == nil {
		return nil, ErrNilNotifier
	}
	if deps.Host == nil {
		return nil, ErrNilHostState
	}
	if deps.Fetcher == nil {
		return nil, ErrNilFetcher
	}

	defaults := DefaultConfig()
	if cfg.QuiescenceWindow <= 0 {
		cfg.QuiescenceWindow = defaults.QuiescenceWindow
	}
	if cfg.MarkerFetchTimeout <= 0 {
		cfg.MarkerFetchTimeout = defaults.MarkerFetchTimeout
	}
	if deps.Dispatch == nil {
		deps.Dispatch = func(fn func()) { fn() }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "viewsync")

	shared, err := markers.NewSharedFetcher(deps.Fetcher, cfg.MarkerFetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating shared fetcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:            cfg,
		notifier:       deps.Notifier,
		host:           deps.Host,
		shared:         shared,
		dispatch:       deps.Dispatch,
		markersUpdated: deps.MarkersUpdated,
		logger:         logger,
		index:          bufferindex.New[*ViewState](),
		gate:           session.NewGate(),
		tracker:        activeeditor.NewTracker(deps.Host, deps.Notifier, logger),
		hub:            newHub(),
		errs:           newErrorReporter(logger),
		ctx:            ctx,
		cancel:         cancel,
	}
	c.fetcher = markers.FetcherFunc(func(ctx context.Context, uri string) ([]markers.Marker, error) {
		c.markerRequests.Add(1)
		return shared.FetchMarkers(ctx, uri)
	})
	return c, nil
}

// OnBufferConnected registers view as displaying buffers.
//
// Description:
//
//	The first connect of a view creates its ViewState. If the session is
//	ready the view is initialized right away; otherwise it waits for
//	OnSessionReady. Connecting an already known view to more buffers only
//	extends the index.
func (c *Controller) OnBufferConnected(view EditorView, buffers ...BufferID) {
	defer c.errs.recoverPanic(c.ctx, "OnBufferConnected")
	if c.closed.Load() {
		return
	}
	if view == nil {
		c.errs.report(c.ctx, "OnBufferConnected", hostError("nil view"))
		return
	}
	id := view.ID()
	filePath := view.FilePath()
	if id == "" || filePath == "" {
		c.errs.report(c.ctx, "OnBufferConnected", hostError("view %q has no identity or file path", id))
		return
	}

	// The constructor runs under the index lock, so it gets the values
	// already read from the view.
	res := c.index.Connect(id, buffers, func() *ViewState {
		return c.newViewState(id, view, filePath)
	})
	if res.State == nil {
		c.logger.Debug("connect without buffers ignored", "view", id)
		return
	}
	vs := res.State
	if res.Created {
		recordViewDelta(c.ctx, 1)
		c.logger.Debug("view connected", "view", id, "file", filePath, "buffers", len(buffers))
	}

	if c.gate.IsReady() {
		c.initialize(vs)
	}
}

// OnBufferDisconnected removes view id from buffers.
//
// Description:
//
//	Unknown pairs are ignored. When the view has no buffers left it is
//	torn down. When the index has no buffers left at all the active editor
//	is cleared.
func (c *Controller) OnBufferDisconnected(id ViewID, buffers ...BufferID) {
	defer c.errs.recoverPanic(c.ctx, "OnBufferDisconnected")

	res := c.index.Disconnect(id, buffers)
	if !res.Known {
		c.logger.Debug("disconnect for unknown view ignored", "view", id)
		return
	}
	if res.ViewRemoved {
		c.teardown(res.State)
	}
	if res.IndexEmpty {
		c.tracker.Reset(c.ctx)
	}
}

// OnLayoutChanged delivers a layout pass of view id.
func (c *Controller) OnLayoutChanged(id ViewID, change LayoutChange) {
	defer c.errs.recoverPanic(c.ctx, "OnLayoutChanged")
	if c.hub.layout.publish(id, change) == 0 {
		c.logger.Debug("layout event for uninitialized view ignored", "view", id)
	}
}

// OnSelectionChanged delivers a selection change of view id.
func (c *Controller) OnSelectionChanged(id ViewID, selections []Selection) {
	defer c.errs.recoverPanic(c.ctx, "OnSelectionChanged")
	if c.hub.selection.publish(id, selections) == 0 {
		c.logger.Debug("selection event for uninitialized view ignored", "view", id)
	}
}

// OnFocusGained marks view id as focused.
func (c *Controller) OnFocusGained(id ViewID) {
	defer c.errs.recoverPanic(c.ctx, "OnFocusGained")
	if c.hub.focus.publish(id, struct{}{}) == 0 {
		c.logger.Debug("focus event for uninitialized view ignored", "view", id)
	}
}

// OnSessionReady opens the session and initializes every connected view.
// Repeated and concurrent calls initialize each view once.
func (c *Controller) OnSessionReady() {
	defer c.errs.recoverPanic(c.ctx, "OnSessionReady")
	if c.closed.Load() {
		return
	}
	if c.gate.SetReady() {
		c.logger.Info("session ready", "views", c.index.ViewCount())
	}
	for _, vs := range c.index.States() {
		c.initialize(vs)
	}
}

// OnSessionLogout closes the session. Views stay registered but lose their
// subscriptions, marker caches and pending notifications.
func (c *Controller) OnSessionLogout() {
	defer c.errs.recoverPanic(c.ctx, "OnSessionLogout")
	if c.gate.SetLoggedOut() {
		c.logger.Info("session logged out", "views", c.index.ViewCount())
	}
	for _, vs := range c.index.States() {
		c.logout(vs)
	}
}

// OnMarkerSourceChanged marks the marker cache of every view showing
// documentURI as stale. Views of other documents are untouched. A fetch
// of the document already in flight is not shared with later requests.
func (c *Controller) OnMarkerSourceChanged(documentURI string) {
	defer c.errs.recoverPanic(c.ctx, "OnMarkerSourceChanged")
	if docid.Normalize(documentURI) == "" {
		c.errs.report(c.ctx, "OnMarkerSourceChanged", hostError("empty document uri"))
		return
	}
	c.shared.Invalidate(documentURI)
	c.hub.markers.broadcast(documentURI)
}

// Markers returns the cached markers of view id without fetching.
//
// Outputs:
//
//	[]markers.Marker - Nil until an answer has been applied.
//	bool - False when the view is not connected.
func (c *Controller) Markers(id ViewID) ([]markers.Marker, bool) {
	vs, ok := c.index.Get(id)
	if !ok {
		return nil, false
	}
	mm := vs.markerManager()
	if mm == nil {
		return nil, true
	}
	return mm.Markers(), true
}

// RefreshMarkers forces a marker refetch for view id. The result arrives
// asynchronously through Dependencies.MarkersUpdated.
func (c *Controller) RefreshMarkers(id ViewID) error {
	if c.closed.Load() {
		return ErrClosed
	}
	vs, ok := c.index.Get(id)
	if !ok {
		return fmt.Errorf("refreshing markers for %q: %w", id, ErrUnknownView)
	}
	mm := vs.markerManager()
	if mm == nil || !vs.initialized.Load() {
		return fmt.Errorf("refreshing markers for %q: %w", id, ErrNotInitialized)
	}
	mm.GetMarkers(true)
	return nil
}

// ViewsForFile returns the connected views showing path, compared by
// normalized document identity.
func (c *Controller) ViewsForFile(path string) []ViewID {
	var ids []ViewID
	for _, vs := range c.index.States() {
		if vs.live.Load() && docid.Same(vs.filePath, path) {
			ids = append(ids, vs.id)
		}
	}
	return ids
}

// View returns the state of a connected view.
func (c *Controller) View(id ViewID) (*ViewState, bool) {
	return c.index.Get(id)
}

// Stats returns a snapshot of the Controller.
func (c *Controller) Stats() Stats {
	s := Stats{
		SessionReady:        c.gate.IsReady(),
		Views:               c.index.ViewCount(),
		Buffers:             c.index.BufferCount(),
		Initializations:     c.initializations.Load(),
		Teardowns:           c.teardowns.Load(),
		MarkerManagers:      c.managersCreated.Load(),
		MarkerRequests:      c.markerRequests.Load(),
		MarkerEventsMatched: c.markerEventsMatched.Load(),
		NotificationsSent:   c.notificationsSent.Load(),
		NotificationsFailed: c.notificationsFailed.Load(),
		ErrorsReported:      c.errs.reported.Load(),
	}
	for _, vs := range c.index.States() {
		if vs.initialized.Load() {
			s.Initialized++
		}
		if vs.focused.Load() {
			s.FocusedView = vs.id
		}
		if mm := vs.markerManager(); mm != nil {
			ms := mm.Stats()
			if ms.Fetching {
				s.MarkerFetchesInFlight++
			}
			if ms.Dirty {
				s.MarkerCachesDirty++
			}
		}
	}
	if active, ok := c.tracker.Current(); ok {
		s.ActiveEditor = active
	}
	return s
}

// Close tears down every view and waits for outstanding marker fetches.
// Handlers called afterwards are ignored. Close is idempotent.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	var managers []*markers.Manager
	for _, vs := range c.index.States() {
		res := c.index.Disconnect(vs.id, c.index.BuffersFor(vs.id))
		if mm := vs.markerManager(); mm != nil {
			managers = append(managers, mm)
		}
		if res.ViewRemoved {
			c.teardown(vs)
		}
	}
	c.cancel()
	for _, mm := range managers {
		mm.Wait()
	}
	c.logger.Info("controller closed", "teardowns", c.teardowns.Load())
}

func (c *Controller) newViewState(id ViewID, view EditorView, filePath string) *ViewState {
	vs := newViewState(id, view, filePath)
	// Allocation only; debounce.New starts nothing until the first Trigger.
	n, err := debounce.New(c.emitVisibleRanges(vs), debounce.Options{
		Window: c.cfg.QuiescenceWindow,
		Ready:  vs.canEmit,
		Name:   "visible-ranges:" + string(vs.id),
		Logger: c.logger,
	})
	if err != nil {
		// Unreachable: the emit callback is never nil.
		panic(err)
	}
	vs.notifier = n
	return vs
}

// initialize wires vs for the current session. The session, the flag and
// liveness are checked before and after taking the view's lock so
// concurrent ready signals run one initialization and a logout in between
// wins.
func (c *Controller) initialize(vs *ViewState) {
	if !c.gate.IsReady() || vs.initialized.Load() || !vs.live.Load() {
		return
	}

	vs.initMu.Lock()
	if !c.gate.IsReady() || vs.initialized.Load() || !vs.live.Load() {
		vs.initMu.Unlock()
		return
	}

	if vs.markers == nil {
		mm, err := markers.NewManager(markers.ManagerConfig{
			DocumentURI: vs.uri,
			Fetcher:     c.fetcher,
			Post:        c.dispatch,
			Timeout:     c.cfg.MarkerFetchTimeout,
			OnUpdate:    func(ms []markers.Marker) { c.onMarkersUpdated(vs, ms) },
			Logger:      c.logger.With("view", vs.id),
		})
		if err != nil {
			vs.initMu.Unlock()
			c.errs.report(c.ctx, "initialize", fmt.Errorf("creating marker manager for %q: %w", vs.id, err))
			return
		}
		vs.markers = mm
		c.managersCreated.Add(1)
	}

	vs.subs = []*subscription{
		c.hub.layout.subscribe(vs.id, func(ch LayoutChange) { c.handleLayout(vs, ch) }),
		c.hub.selection.subscribe(vs.id, func(sel []Selection) { c.handleSelection(vs, sel) }),
		c.hub.focus.subscribe(vs.id, func(struct{}) { c.handleFocus(vs) }),
		c.hub.markers.subscribe(vs.id, func(uri string) { c.handleMarkersChanged(vs, uri) }),
	}
	vs.initialized.Store(true)
	mm := vs.markers
	vs.initMu.Unlock()

	c.initializations.Add(1)
	recordInitialization(c.ctx)
	c.logger.Debug("view initialized", "view", vs.id, "file", vs.filePath)

	mm.GetMarkers(false)
	c.tracker.Reconcile(c.ctx, vs.filePath)
}

// logout returns vs to the uninitialized state. Safe before any
// initialization and on repeated calls.
func (c *Controller) logout(vs *ViewState) {
	vs.initMu.Lock()
	vs.initialized.Store(false)
	subs := vs.detachLocked()
	mm := vs.markers
	vs.initMu.Unlock()

	unsubscribeAll(subs)
	if mm != nil {
		mm.Reset()
	}
	vs.notifier.Cancel()
	vs.focused.Store(false)
}

// teardown releases everything attached to a view that left the index.
func (c *Controller) teardown(vs *ViewState) {
	if !vs.live.CompareAndSwap(true, false) {
		return
	}

	vs.initMu.Lock()
	vs.initialized.Store(false)
	subs := vs.detachLocked()
	mm := vs.markers
	vs.initMu.Unlock()

	unsubscribeAll(subs)
	vs.notifier.Close()
	if mm != nil {
		mm.Dispose()
	}
	vs.focused.Store(false)

	c.teardowns.Add(1)
	recordViewDelta(c.ctx, -1)
	c.logger.Debug("view torn down", "view", vs.id, "file", vs.filePath)
}

func (c *Controller) handleLayout(vs *ViewState, change LayoutChange) {
	if !c.gate.IsReady() {
		return
	}
	mm := vs.markerManager()
	if mm == nil {
		return
	}

	// Scrolling alone never refetches.
	edited := change.TranslatedLines > 0
	if edited || !mm.IsInitialized() || mm.IsDirty() {
		mm.GetMarkers(edited)
	}

	if (change.VerticalTranslation || edited) && c.panelsVisible() {
		c.queueVisibleRanges(vs, reasonLayout)
	}
	c.tracker.Reconcile(c.ctx, vs.filePath)
}

func (c *Controller) handleSelection(vs *ViewState, selections []Selection) {
	if !c.gate.IsReady() {
		return
	}
	vs.setSelections(selections)
	c.tracker.Reconcile(c.ctx, vs.filePath)
	if c.panelsVisible() {
		c.queueVisibleRanges(vs, reasonSelection)
	}
}

func (c *Controller) handleFocus(vs *ViewState) {
	for _, other := range c.index.States() {
		if other != vs {
			other.focused.Store(false)
		}
	}
	vs.focused.Store(true)
	c.tracker.ReconcileFocus(c.ctx, vs.filePath)
}

func (c *Controller) handleMarkersChanged(vs *ViewState, documentURI string) {
	if !docid.Same(documentURI, vs.filePath) {
		return
	}
	mm := vs.markerManager()
	if mm == nil {
		return
	}
	c.markerEventsMatched.Add(1)
	c.logger.Debug("markers changed", "view", vs.id, "document", documentURI)
	mm.MarkDirty()
}

func (c *Controller) panelsVisible() bool {
	return c.host.IsWebviewVisible() && c.host.IsMarkersPanelVisible()
}

func (c *Controller) queueVisibleRanges(vs *ViewState, reason string) {
	if vs.notifier.Pending() {
		recordCoalesced(c.ctx)
	}
	vs.notifier.Trigger(reason)
}

func (c *Controller) emitVisibleRanges(vs *ViewState) debounce.EmitFunc[string] {
	return func(ctx context.Context, reason string) error {
		ctx, span := startNotifySpan(ctx, "visibleRangesChanged", vs.id)
		defer span.End()

		payload := vs.snapshot()
		err := c.notifier.NotifyVisibleRangesChanged(ctx, payload)
		recordNotification(ctx, "visibleRangesChanged", err == nil)
		if err != nil {
			c.notificationsFailed.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.errs.report(ctx, "NotifyVisibleRangesChanged", err)
			return nil
		}
		c.notificationsSent.Add(1)
		c.logger.Debug("visible ranges sent", "view", vs.id, "reason", reason,
			"ranges", len(payload.VisibleRanges), "lines", payload.LineCount)
		return nil
	}
}

func (c *Controller) onMarkersUpdated(vs *ViewState, ms []markers.Marker) {
	if !vs.live.Load() {
		return
	}
	if c.markersUpdated != nil {
		c.markersUpdated(vs.id, ms)
	}
}
