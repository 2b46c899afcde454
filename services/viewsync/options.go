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
	"log/slog"
	"time"

	"github.com/AleutianAI/viewsync/services/viewsync/debounce"
	"github.com/AleutianAI/viewsync/services/viewsync/markers"
)

// Config holds the Controller's tunables.
type Config struct {
	// QuiescenceWindow is how long a view must be quiet before its visible
	// ranges are sent. Default: debounce.DefaultWindow.
	QuiescenceWindow time.Duration

	// MarkerFetchTimeout bounds one marker fetch. Default:
	// markers.DefaultFetchTimeout.
	MarkerFetchTimeout time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		QuiescenceWindow:   debounce.DefaultWindow,
		MarkerFetchTimeout: markers.DefaultFetchTimeout,
	}
}

// Dependencies are the Controller's collaborators.
type Dependencies struct {
	// Notifier receives host notifications. Required.
	Notifier HostNotifier

	// Host exposes host-owned visibility and active-editor state. Required.
	Host HostState

	// Fetcher retrieves markers. Required. The Controller shares one call
	// among views of the same document.
	Fetcher markers.Fetcher

	// Dispatch runs a function on the UI context. Marker results are
	// delivered through it. Nil runs them on the fetching goroutine.
	Dispatch func(func())

	// MarkersUpdated runs on the UI context after a view's marker cache is
	// repopulated. Optional.
	MarkersUpdated func(id ViewID, markers []markers.Marker)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}
