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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/viewsync/services/viewsync/docid"
)

// SharedFetcher collapses concurrent requests for the same document into a
// single backend call.
//
// Description:
//
//	Split views of one document each own a Manager and refetch on the same
//	events. SharedFetcher keys calls by the normalized document identity so
//	those refetches reach the backend once. Each caller keeps its own
//	cancellation: a caller that gives up returns early while the shared call
//	completes for the others.
//
//	A request marked with WithFreshRequest never joins a call already in
//	flight; it starts a new one that later plain requests join. Invalidate
//	does the same for the next request of a document.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SharedFetcher struct {
	next    Fetcher
	timeout time.Duration
	group   singleflight.Group
}

// NewSharedFetcher wraps next.
//
// Inputs:
//
//	next - The backend fetcher. Must not be nil.
//	timeout - Bound on the shared call. Default: DefaultFetchTimeout.
func NewSharedFetcher(next Fetcher, timeout time.Duration) (*SharedFetcher, error) {
	if next == nil {
		return nil, ErrNilFetcher
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &SharedFetcher{next: next, timeout: timeout}, nil
}

// FetchMarkers implements Fetcher.
func (s *SharedFetcher) FetchMarkers(ctx context.Context, documentURI string) ([]Marker, error) {
	key := docid.Normalize(documentURI)
	if key == "" {
		return nil, ErrEmptyDocument
	}
	if IsFreshRequest(ctx) {
		s.group.Forget(key)
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		// Detached from the first caller so its cancellation does not fail
		// everyone sharing the call.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		callCtx, span := startFetchSpan(callCtx, documentURI)
		defer span.End()

		start := time.Now()
		result, err := s.next.FetchMarkers(callCtx, documentURI)
		recordFetch(callCtx, time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Int("viewsync.marker_count", len(result)))
		return result, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			recordShared(ctx)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		// Every caller gets its own slice.
		markers, _ := res.Val.([]Marker)
		return cloneMarkers(markers), nil
	}
}

// Invalidate detaches any call in flight for documentURI from later
// requests, which start a new backend call. Callers already waiting keep
// their answer.
func (s *SharedFetcher) Invalidate(documentURI string) {
	if key := docid.Normalize(documentURI); key != "" {
		s.group.Forget(key)
	}
}
