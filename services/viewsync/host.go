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

	"github.com/AleutianAI/viewsync/services/viewsync/activeeditor"
)

// HostNotifier delivers notifications to the host webview. Calls are
// fire-and-forget; a returned error is logged and counted, never retried.
type HostNotifier interface {
	NotifyVisibleRangesChanged(ctx context.Context, change VisibleRangesChanged) error

	activeeditor.Notifier
}

// HostState exposes flags owned by the host. They are polled while an
// event is handled and never cached beyond it.
type HostState interface {
	activeeditor.HostState

	// IsMarkersPanelVisible reports whether the per-file markers panel is open.
	IsMarkersPanelVisible() bool
}
