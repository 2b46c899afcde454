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
	"errors"

	"github.com/AleutianAI/viewsync/services/viewsync/textpos"
)

// Sentinel errors for marker operations.
var (
	// ErrNilFetcher indicates a Manager or SharedFetcher was built without a Fetcher.
	ErrNilFetcher = errors.New("markers: fetcher is nil")

	// ErrEmptyDocument indicates a Manager was built without a document identity.
	ErrEmptyDocument = errors.New("markers: document uri is empty")
)

// Marker is an externally computed annotation anchored in a document,
// for example a comment thread or a linked issue.
type Marker struct {
	// ID is the marker's identity in the backend.
	ID string `json:"id"`

	// Kind is the annotation type ("comment", "issue", "question", ...).
	Kind string `json:"kind,omitempty"`

	// Summary is the short text shown next to the anchor.
	Summary string `json:"summary,omitempty"`

	// Range is where the marker is anchored in the current document text.
	Range textpos.Range `json:"range"`
}

// Fetcher retrieves the markers of one document.
//
// Implementations may block on network I/O; Manager always calls them off
// the UI context. Errors are treated as "no markers available".
type Fetcher interface {
	FetchMarkers(ctx context.Context, documentURI string) ([]Marker, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, documentURI string) ([]Marker, error)

// FetchMarkers calls f.
func (f FetcherFunc) FetchMarkers(ctx context.Context, documentURI string) ([]Marker, error) {
	return f(ctx, documentURI)
}

type freshRequestKey struct{}

// WithFreshRequest marks ctx as needing an answer computed after the call
// is made. Fetchers that share or cache calls must not answer it from work
// already in flight.
func WithFreshRequest(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshRequestKey{}, true)
}

// IsFreshRequest reports whether ctx was marked by WithFreshRequest.
func IsFreshRequest(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshRequestKey{}).(bool)
	return fresh
}

func cloneMarkers(in []Marker) []Marker {
	if in == nil {
		return nil
	}
	out := make([]Marker, len(in))
	copy(out, in)
	return out
}
