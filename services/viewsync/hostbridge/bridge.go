// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hostbridge connects the view synchronization engine to an editor
// host over a websocket.
//
// The host-integration glue (the editor extension) dials
// /v1/viewsync/ws and streams view events as JSON envelopes. The Bridge
// mirrors each host view as a viewsync.EditorView, posts every event onto
// the UI loop so the Controller observes one serialized stream, and
// implements the Controller's outbound collaborators: HostNotifier,
// HostState and markers.Fetcher.
//
//	editor host ──ws──▶ ServeConn read loop ──Post──▶ UI loop ──▶ Controller
//	editor host ◀──ws── writeLoop ◀── outbound queue ◀── notifications
//	editor host ◀──ws── FetchMarkers (direct, off the UI loop)
//
// Notifications only enqueue. The per-connection writer does the rate
// limiting and the socket write, so no caller on the UI loop ever waits
// on the network.
//
// # Thread Safety
//
// Bridge is safe for concurrent use. One host connection is served at a
// time; a second is refused until the first closes.
package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/viewsync/services/viewsync"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
	"github.com/AleutianAI/viewsync/services/viewsync/telemetry"
)

// Sentinel errors.
var (
	// ErrNotConnected indicates no host is connected.
	ErrNotConnected = errors.New("hostbridge: no host connected")

	// ErrConnectionClosed fails requests outstanding when the host went away.
	ErrConnectionClosed = errors.New("hostbridge: host connection closed")

	// ErrAlreadyConnected indicates a second host tried to connect.
	ErrAlreadyConnected = errors.New("hostbridge: a host is already connected")

	// ErrNotBound indicates ServeConn was called before Bind.
	ErrNotBound = errors.New("hostbridge: no sink bound")

	// ErrClosed indicates the Bridge was closed.
	ErrClosed = errors.New("hostbridge: bridge closed")

	// ErrNilPost indicates New was called without a Post function.
	ErrNilPost = errors.New("hostbridge: post function is nil")

	// ErrQueueFull indicates an outbound message was dropped because the
	// connection's queue was full.
	ErrQueueFull = errors.New("hostbridge: outbound queue full")
)

// Sink receives host events. *viewsync.Controller implements it.
type Sink interface {
	OnBufferConnected(view viewsync.EditorView, buffers ...viewsync.BufferID)
	OnBufferDisconnected(id viewsync.ViewID, buffers ...viewsync.BufferID)
	OnLayoutChanged(id viewsync.ViewID, change viewsync.LayoutChange)
	OnSelectionChanged(id viewsync.ViewID, selections []viewsync.Selection)
	OnFocusGained(id viewsync.ViewID)
	OnSessionReady()
	OnSessionLogout()
	OnMarkerSourceChanged(documentURI string)
	Stats() viewsync.Stats
}

var _ Sink = (*viewsync.Controller)(nil)

var (
	_ viewsync.HostNotifier = (*Bridge)(nil)
	_ viewsync.HostState    = (*Bridge)(nil)
	_ markers.Fetcher       = (*Bridge)(nil)
)

// Options configures a Bridge.
type Options struct {
	// Post runs a function on the UI loop. Required.
	Post func(func()) error

	// NotifyRate is the sustained outbound message rate. Default: 50/s.
	NotifyRate float64

	// NotifyBurst is the outbound token bucket size. Default: 10.
	NotifyBurst int

	// WriteTimeout bounds one websocket write. Default: 5s.
	WriteTimeout time.Duration

	// MaxMessageSize bounds one inbound message. Default: 1 MiB.
	MaxMessageSize int64

	// QueueSize bounds outbound messages waiting for the writer. Messages
	// beyond it are dropped. Default: 256.
	QueueSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

var messageValidate = validator.New()

type fetchReply struct {
	markers []markers.Marker
	err     error
}

// hostConn is one websocket connection. gorilla/websocket allows one
// concurrent writer, so writes are serialized.
type hostConn struct {
	id      string
	ws      *websocket.Conn
	out     chan Envelope
	writeMu sync.Mutex
}

func (hc *hostConn) write(env Envelope, timeout time.Duration) error {
	hc.writeMu.Lock()
	defer hc.writeMu.Unlock()
	if err := hc.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return hc.ws.WriteJSON(env)
}

// Bridge is the websocket endpoint for one editor host.
type Bridge struct {
	post         func(func()) error
	limiter      *rate.Limiter
	writeTimeout time.Duration
	maxMessage   int64
	queueSize    int
	logger       *slog.Logger

	mu      sync.Mutex
	sink    Sink
	conn    *hostConn
	closed  bool
	views   map[viewsync.ViewID]*remoteView
	pending map[string]chan fetchReply

	stateMu             sync.RWMutex
	webviewVisible      bool
	markersPanelVisible bool
	activeEditor        string

	received atomic.Uint64
	sent     atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// Stats is a point-in-time snapshot of the Bridge.
type Stats struct {
	Connected bool   `json:"connected"`
	Views     int    `json:"views"`
	Queued    int    `json:"queued"`
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
}

// New creates a Bridge. Call Bind before serving connections.
func New(opts Options) (*Bridge, error) {
	if opts.Post == nil {
		return nil, ErrNilPost
	}
	if opts.NotifyRate <= 0 {
		opts.NotifyRate = 50
	}
	if opts.NotifyBurst <= 0 {
		opts.NotifyBurst = 10
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Bridge{
		post:         opts.Post,
		limiter:      rate.NewLimiter(rate.Limit(opts.NotifyRate), opts.NotifyBurst),
		writeTimeout: opts.WriteTimeout,
		maxMessage:   opts.MaxMessageSize,
		queueSize:    opts.QueueSize,
		logger:       opts.Logger.With("component", "hostbridge"),
		views:        make(map[viewsync.ViewID]*remoteView),
		pending:      make(map[string]chan fetchReply),
	}, nil
}

// Bind sets the receiver of host events.
func (b *Bridge) Bind(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Connected reports whether a host is connected.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ServeConn serves one host connection until it closes.
//
// Description:
//
//	Reads envelopes until the connection fails or the Bridge is closed.
//	When the connection ends, its views are disconnected from the sink,
//	the host flags are cleared, and outstanding marker fetches fail with
//	ErrConnectionClosed. ServeConn always closes ws.
//
// Outputs:
//
//	error - ErrAlreadyConnected, ErrNotBound or ErrClosed when the
//	connection was refused. Nil once a served connection ends.
func (b *Bridge) ServeConn(ctx context.Context, ws *websocket.Conn) error {
	hc := &hostConn{id: uuid.NewString(), ws: ws, out: make(chan Envelope, b.queueSize)}
	if err := b.attach(hc); err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.writeTimeout))
		_ = ws.Close()
		return err
	}

	logger := b.logger.With("conn", hc.id)
	logger.Info("host connected", "remote", ws.RemoteAddr().String())

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	connCtx, cancelConn := context.WithCancel(ctx)
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		b.writeLoop(connCtx, logger, hc)
	}()

	ws.SetReadLimit(b.maxMessage)
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("host connection lost", "error", err)
			} else {
				logger.Info("host disconnected")
			}
			break
		}
		b.received.Add(1)
		b.handle(ctx, logger, env)
	}

	cancelConn()
	writer.Wait()
	b.detach(hc)
	_ = ws.Close()
	return nil
}

// Close disconnects the host and refuses further connections.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	hc := b.conn
	b.mu.Unlock()

	if hc == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	hc.writeMu.Lock()
	_ = hc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(b.writeTimeout))
	hc.writeMu.Unlock()
	_ = hc.ws.Close()
}

// Views lists the mirrored host views sorted by ID.
func (b *Bridge) Views() []ViewInfo {
	b.mu.Lock()
	views := make([]*remoteView, 0, len(b.views))
	for _, v := range b.views {
		views = append(views, v)
	}
	b.mu.Unlock()

	out := make([]ViewInfo, 0, len(views))
	for _, v := range views {
		out = append(out, v.info())
	}
	slices.SortFunc(out, func(a, c ViewInfo) int {
		switch {
		case a.ViewID < c.ViewID:
			return -1
		case a.ViewID > c.ViewID:
			return 1
		}
		return 0
	})
	return out
}

// Stats returns message counters and the connection state.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	s := Stats{Connected: b.conn != nil, Views: len(b.views)}
	if b.conn != nil {
		s.Queued = len(b.conn.out)
	}
	b.mu.Unlock()

	s.Received = b.received.Load()
	s.Sent = b.sent.Load()
	s.Rejected = b.rejected.Load()
	s.Dropped = b.dropped.Load()
	return s
}

func (b *Bridge) attach(hc *hostConn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return ErrClosed
	case b.sink == nil:
		return ErrNotBound
	case b.conn != nil:
		return ErrAlreadyConnected
	}
	b.conn = hc
	return nil
}

func (b *Bridge) detach(hc *hostConn) {
	b.mu.Lock()
	if b.conn != hc {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	views := b.views
	b.views = make(map[viewsync.ViewID]*remoteView)
	pending := b.pending
	b.pending = make(map[string]chan fetchReply)
	sink := b.sink
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- fetchReply{err: ErrConnectionClosed}
	}

	b.dispatch(func() {
		b.setHostState(HostStateMsg{})
		for id, v := range views {
			sink.OnBufferDisconnected(id, v.bufferList()...)
		}
	})
}

func (b *Bridge) dispatch(fn func()) {
	if err := b.post(fn); err != nil {
		b.logger.Debug("host event dropped", "error", err)
	}
}

func (b *Bridge) currentSink() Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

func (b *Bridge) view(id viewsync.ViewID) *remoteView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.views[id]
}

// decode unmarshals and validates a payload, logging rejects.
func (b *Bridge) decode(logger *slog.Logger, env Envelope, dst any) bool {
	err := json.Unmarshal(env.Data, dst)
	if err == nil {
		err = messageValidate.Struct(dst)
	}
	if err != nil {
		b.rejected.Add(1)
		logger.Warn("malformed host message", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (b *Bridge) handle(ctx context.Context, logger *slog.Logger, env Envelope) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Trace))
	logger = telemetry.LoggerWithTrace(ctx, logger)
	if inboundTypes[env.Type] {
		recordMessage(ctx, "in", env.Type)
	} else {
		recordMessage(ctx, "in", "unknown")
	}

	sink := b.currentSink()

	switch env.Type {
	case TypeFetchMarkersResult:
		var msg FetchMarkersResultMsg
		if b.decode(logger, env, &msg) {
			b.resolve(logger, msg)
		}

	case TypeBufferConnected:
		var msg BufferConnectedMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() {
			v := b.mirror(msg)
			sink.OnBufferConnected(v, msg.Buffers...)
		})

	case TypeBufferDisconnected:
		var msg BufferDisconnectedMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() {
			b.unmirror(msg)
			sink.OnBufferDisconnected(msg.ViewID, msg.Buffers...)
		})

	case TypeLayoutChanged:
		var msg LayoutChangedMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() {
			if v := b.view(msg.ViewID); v != nil {
				v.setGeometry(msg.VisibleRanges, msg.LineCount, msg.InLayout)
			}
			sink.OnLayoutChanged(msg.ViewID, viewsync.LayoutChange{
				VerticalTranslation: msg.VerticalTranslation,
				TranslatedLines:     msg.TranslatedLines,
			})
		})

	case TypeSelectionChanged:
		var msg SelectionChangedMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() {
			if v := b.view(msg.ViewID); v != nil {
				v.setSelections(msg.Selections)
			}
			sink.OnSelectionChanged(msg.ViewID, msg.Selections)
		})

	case TypeFocusGained:
		var msg FocusGainedMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() { sink.OnFocusGained(msg.ViewID) })

	case TypeSessionReady:
		b.dispatch(sink.OnSessionReady)

	case TypeSessionLogout:
		b.dispatch(sink.OnSessionLogout)

	case TypeMarkersChanged:
		var msg MarkersChangedMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() { sink.OnMarkerSourceChanged(msg.URI) })

	case TypeHostState:
		var msg HostStateMsg
		if !b.decode(logger, env, &msg) {
			return
		}
		b.dispatch(func() { b.setHostState(msg) })

	default:
		b.rejected.Add(1)
		logger.Warn("unknown host message", "type", env.Type)
	}
}

func (b *Bridge) mirror(msg BufferConnectedMsg) *remoteView {
	b.mu.Lock()
	v, ok := b.views[msg.ViewID]
	if !ok {
		v = newRemoteView(msg.ViewID, msg.FilePath)
		b.views[msg.ViewID] = v
	}
	b.mu.Unlock()

	v.addBuffers(msg.Buffers)
	if !ok {
		v.setGeometry(msg.VisibleRanges, msg.LineCount, false)
		v.setSelections(msg.Selections)
	}
	return v
}

func (b *Bridge) unmirror(msg BufferDisconnectedMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.views[msg.ViewID]
	if ok && v.removeBuffers(msg.Buffers) {
		delete(b.views, msg.ViewID)
	}
}

func (b *Bridge) setHostState(msg HostStateMsg) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.webviewVisible = msg.WebviewVisible
	b.markersPanelVisible = msg.MarkersPanelVisible
	b.activeEditor = msg.ActiveEditor
}

// IsWebviewVisible reports the host's last webview visibility.
func (b *Bridge) IsWebviewVisible() bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.webviewVisible
}

// IsMarkersPanelVisible reports the host's last markers panel visibility.
func (b *Bridge) IsMarkersPanelVisible() bool {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.markersPanelVisible
}

// ActiveEditor returns the host's last active editor path.
func (b *Bridge) ActiveEditor() (string, bool) {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.activeEditor, b.activeEditor != ""
}

func (b *Bridge) current() *hostConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// envelope encodes data and attaches the trace context of ctx.
func (b *Bridge) envelope(ctx context.Context, typ string, data any) (Envelope, error) {
	env, err := newEnvelope(typ, data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		env.Trace = carrier
	}
	return env, nil
}

// enqueue hands one message to the connection's writer. It never blocks:
// a full queue drops the message.
func (b *Bridge) enqueue(ctx context.Context, typ string, data any) error {
	hc := b.current()
	if hc == nil {
		return ErrNotConnected
	}
	env, err := b.envelope(ctx, typ, data)
	if err != nil {
		return err
	}
	select {
	case hc.out <- env:
		return nil
	default:
		b.dropped.Add(1)
		b.logger.Warn("outbound queue full, message dropped", "type", typ, "conn", hc.id)
		return fmt.Errorf("%s: %w", typ, ErrQueueFull)
	}
}

// sendNow rate-limits and writes one message on the calling goroutine.
// Only callers that already run off the UI loop may use it.
func (b *Bridge) sendNow(ctx context.Context, typ string, data any) error {
	hc := b.current()
	if hc == nil {
		return ErrNotConnected
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", typ, err)
	}
	env, err := b.envelope(ctx, typ, data)
	if err != nil {
		return err
	}
	if err := hc.write(env, b.writeTimeout); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	b.sent.Add(1)
	recordMessage(ctx, "out", typ)
	return nil
}

// writeLoop drains the outbound queue of hc until ctx ends.
func (b *Bridge) writeLoop(ctx context.Context, logger *slog.Logger, hc *hostConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-hc.out:
			if err := b.limiter.Wait(ctx); err != nil {
				return
			}
			if err := hc.write(env, b.writeTimeout); err != nil {
				logger.Debug("outbound message not delivered", "type", env.Type, "error", err)
				continue
			}
			b.sent.Add(1)
			recordMessage(ctx, "out", env.Type)
		}
	}
}

// NotifyVisibleRangesChanged queues a visibleRangesChanged message.
func (b *Bridge) NotifyVisibleRangesChanged(ctx context.Context, change viewsync.VisibleRangesChanged) error {
	return b.enqueue(ctx, TypeVisibleRangesChanged, change)
}

// NotifyActiveEditorChanged queues an activeEditorChanged message.
func (b *Bridge) NotifyActiveEditorChanged(ctx context.Context, change viewsync.ActiveEditorChanged) error {
	return b.enqueue(ctx, TypeActiveEditorChanged, change)
}

// NotifyActiveEditorCleared queues an activeEditorCleared message.
func (b *Bridge) NotifyActiveEditorCleared(ctx context.Context) error {
	return b.enqueue(ctx, TypeActiveEditorCleared, nil)
}

// MarkersUpdated queues a repopulated marker cache for the host so it can
// redraw margins. It is meant for viewsync.Dependencies.MarkersUpdated.
func (b *Bridge) MarkersUpdated(id viewsync.ViewID, ms []markers.Marker) {
	if err := b.enqueue(context.Background(), TypeMarkersUpdated, MarkersUpdatedMsg{ViewID: id, Markers: ms}); err != nil {
		b.logger.Debug("markers update not delivered", "view", id, "error", err)
	}
}

// FetchMarkers asks the host for a document's markers and waits for the
// correlated fetchMarkersResult.
//
// Outputs:
//
//	[]markers.Marker - The host's markers; non-nil on success.
//	error - ErrNotConnected, ErrConnectionClosed, ctx's error, or the
//	host's reported failure.
func (b *Bridge) FetchMarkers(ctx context.Context, documentURI string) ([]markers.Marker, error) {
	ctx, span := tracer.Start(ctx, "Bridge.FetchMarkers")
	defer span.End()

	id := uuid.NewString()
	reply := make(chan fetchReply, 1)

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	b.pending[id] = reply
	b.mu.Unlock()

	if err := b.sendNow(ctx, TypeFetchMarkers, FetchMarkersMsg{ID: id, URI: documentURI}); err != nil {
		b.forget(id)
		span.RecordError(err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	case r := <-reply:
		if r.err != nil {
			span.RecordError(r.err)
			return nil, r.err
		}
		if r.markers == nil {
			return []markers.Marker{}, nil
		}
		return r.markers, nil
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

func (b *Bridge) resolve(logger *slog.Logger, msg FetchMarkersResultMsg) {
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	delete(b.pending, msg.ID)
	b.mu.Unlock()

	if !ok {
		logger.Debug("late or unknown marker result", "id", msg.ID)
		return
	}
	if msg.Error != "" {
		ch <- fetchReply{err: fmt.Errorf("host marker fetch: %s", msg.Error)}
		return
	}
	ch <- fetchReply{markers: msg.Markers}
}
