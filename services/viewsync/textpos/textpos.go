// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package textpos defines document coordinates shared by markers and views.
//
// Coordinates are 0-based lines and UTF-16 character offsets, matching the
// editor hosts and the webview protocol.
package textpos

// Position is a point in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span [Start, End).
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Selection is a user selection with the caret at Cursor.
type Selection struct {
	Start  Position `json:"start"`
	End    Position `json:"end"`
	Cursor Position `json:"cursor"`
}
