// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package markers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFetchTimeout bounds one collaborator call.
const DefaultFetchTimeout = 5 * time.Second

// cacheState distinguishes "never asked" from "asked, waiting" from
// "answered" so an empty answer is never confused with no answer.
type cacheState int

const (
	cacheUnset cacheState = iota
	cachePending
	cacheReady
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// DocumentURI is the identity passed to the Fetcher. Required.
	DocumentURI string

	// Fetcher retrieves markers. Required.
	Fetcher Fetcher

	// Post marshals fetch results back onto the UI context. Nil applies
	// results on the fetching goroutine.
	Post func(func())

	// Timeout bounds each fetch. Default: DefaultFetchTimeout.
	Timeout time.Duration

	// OnUpdate runs on the UI context after a successful fetch repopulates
	// the cache. Optional.
	OnUpdate func(markers []Marker)

	// Logger receives fetch failures. Default: slog.Default().
	Logger *slog.Logger
}

// Manager is the per-view marker cache.
//
// Description:
//
//	GetMarkers is synchronous and only ever reads the cache. When the cache
//	is uninitialized, dirty, or a refresh is forced, it starts one
//	asynchronous fetch; the result is posted back to the UI context and
//	applied only if the Manager was not reset or disposed meanwhile.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. No lock is held while the
//	Fetcher runs.
type Manager struct {
	uri      string
	fetcher  Fetcher
	post     func(func())
	timeout  time.Duration
	onUpdate func([]Marker)
	logger   *slog.Logger

	mu          sync.Mutex
	state       cacheState
	markers     []Marker
	initialized bool
	dirty       bool
	inflight    bool
	again       bool
	disposed    bool
	gen         uint64
	cancelFetch context.CancelFunc

	wg      sync.WaitGroup
	fetches atomic.Uint64
}

// NewManager creates a Manager for one document.
//
// Outputs:
//
//	*Manager - Empty cache; nothing is fetched until GetMarkers.
//	error - ErrNilFetcher or ErrEmptyDocument.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Fetcher == nil {
		return nil, ErrNilFetcher
	}
	if cfg.DocumentURI == "" {
		return nil, ErrEmptyDocument
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		uri:      cfg.DocumentURI,
		fetcher:  cfg.Fetcher,
		post:     cfg.Post,
		timeout:  cfg.Timeout,
		onUpdate: cfg.OnUpdate,
		logger:   cfg.Logger.With("document", cfg.DocumentURI),
	}, nil
}

// DocumentURI returns the document this Manager caches markers for.
func (m *Manager) DocumentURI() string { return m.uri }

// GetMarkers returns the cached markers.
//
// Description:
//
//	On the first call, when forceRefresh is true, or when the cache is
//	dirty, a fetch is started. The call never waits for it: it returns the
//	cache as it is now, and the fetched markers become visible once the
//	result is applied on the UI context.
//
// Inputs:
//
//	forceRefresh - Refetch even when the cache is clean.
//
// Outputs:
//
//	[]Marker - Copy of the cache. Nil while no answer has been applied yet
//	or after Dispose; non-nil (possibly empty) once an answer arrived.
func (m *Manager) GetMarkers(forceRefresh bool) []Marker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return nil
	}
	if forceRefresh || m.dirty || !m.initialized {
		m.startFetchLocked(forceRefresh)
	}
	return cloneMarkers(m.markers)
}

// Markers returns the cache without starting a fetch.
func (m *Manager) Markers() []Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMarkers(m.markers)
}

// IsInitialized reports whether a fetch has succeeded since the last Reset.
func (m *Manager) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// IsDirty reports whether the cache is known to be stale.
func (m *Manager) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// ManagerStats is a point-in-time snapshot of a Manager.
type ManagerStats struct {
	// Asked is true once GetMarkers was called since the last Reset.
	Asked bool

	// Fetching is true while a fetch result is still to be applied.
	Fetching    bool
	Initialized bool
	Dirty       bool

	// Fetches counts fetches started over the Manager's lifetime.
	Fetches uint64
}

// Stats returns the cache state.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Asked:       m.state != cacheUnset,
		Fetching:    m.inflight,
		Initialized: m.initialized,
		Dirty:       m.dirty,
		Fetches:     m.fetches.Load(),
	}
}

// MarkDirty flags the cache as stale. It does not fetch; the next
// GetMarkers does.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.disposed {
		m.dirty = true
	}
}

// Reset clears the cache and the initialized flag, and discards any
// in-flight result. The Manager stays usable.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidateLocked()
	m.state = cacheUnset
	m.markers = nil
	m.initialized = false
	m.dirty = false
}

// Dispose releases the Manager. Results arriving later are discarded and
// every further call is a no-op.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidateLocked()
	m.disposed = true
	m.markers = nil
}

// Wait blocks until every started fetch goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) invalidateLocked() {
	m.gen++
	m.inflight = false
	m.again = false
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
}

func (m *Manager) startFetchLocked(force bool) {
	if m.inflight {
		// The running fetch may predate whatever made this one necessary.
		if force || m.dirty {
			m.again = true
		}
		return
	}

	// A forced or stale request must not be answered by a shared call that
	// started before the change.
	fresh := force || m.dirty

	m.inflight = true
	m.dirty = false
	if m.state == cacheUnset {
		m.state = cachePending
	}
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	if fresh {
		ctx = WithFreshRequest(ctx)
	}
	m.cancelFetch = cancel
	m.fetches.Add(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		result, err := m.fetch(ctx)
		m.post(func() { m.apply(gen, result, err) })
	}()
}

func (m *Manager) fetch(ctx context.Context) (result []Marker, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("marker fetch panicked: %v", r)
		}
	}()
	return m.fetcher.FetchMarkers(ctx, m.uri)
}

func (m *Manager) apply(gen uint64, result []Marker, err error) {
	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		m.logger.Debug("stale marker result discarded")
		return
	}

	m.inflight = false
	m.cancelFetch = nil
	m.state = cacheReady

	if err != nil {
		// No markers available; the next natural trigger retries.
		m.markers = []Marker{}
		m.dirty = true
		m.again = false
		m.mu.Unlock()
		m.logger.Warn("marker fetch failed", "error", err)
		return
	}

	if result == nil {
		result = []Marker{}
	}
	m.markers = cloneMarkers(result)
	m.initialized = true
	if m.again {
		m.again = false
		m.startFetchLocked(true)
	}
	onUpdate := m.onUpdate
	snapshot := cloneMarkers(m.markers)
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snapshot)
	}
}
