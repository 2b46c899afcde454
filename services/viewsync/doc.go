// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package viewsync keeps editor views, their marker caches and the host
// webview in step.
//
// # Description
//
// Editor-host glue reports buffer connects and disconnects, layout and
// selection changes, focus, and session sign-in/sign-out to a Controller.
// The Controller maintains a buffer-to-view index, a ViewState per view,
// a marker cache per view and a debounced visible-range pipeline per view,
// and reports the active editor to the host once the host agrees which
// document that is.
//
//	host events ──► Controller ──► bufferindex.Index
//	                    │
//	                    ├─► ViewState (subscriptions, markers.Manager, debounce.Notifier)
//	                    │
//	                    └─► activeeditor.Tracker ──► HostNotifier
//
// # Thread Safety
//
// Event handlers are meant to be called from one serialized UI context
// (see uiloop). They are nonetheless safe for concurrent use: the index has
// its own lock, initialization is serialized per view, and no lock is held
// while a collaborator is called.
//
// # Failure Semantics
//
// Handlers never return errors and never panic. Host-integration errors and
// collaborator failures are logged once per distinct message, counted, and
// leave state in a "not yet available" condition until the next event.
package viewsync
