// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the process-wide session readiness flag.
//
// The gate is written by the sign-in flow (Ready) and the sign-out flow
// (LoggedOut) and read by every view lifecycle handler. Readers never
// block writers; a reader may observe the previous state for one handling
// cycle, which is acceptable because lifecycle handlers re-check on every
// external signal.
package session

import "sync/atomic"

// State is the readiness of the signed-in session.
type State int32

const (
	// LoggedOut means per-view initialization must not run.
	LoggedOut State = iota

	// Ready means the session is signed in and connected.
	Ready
)

// String returns "ready" or "logged-out".
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case LoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// Gate is an atomic readiness flag. The zero value is LoggedOut.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	state       atomic.Int32
	readyEpochs atomic.Uint64
}

// NewGate returns a gate in the LoggedOut state.
func NewGate() *Gate {
	return &Gate{}
}

// IsReady reports whether the session is Ready.
func (g *Gate) IsReady() bool {
	return State(g.state.Load()) == Ready
}

// State returns the current state.
func (g *Gate) State() State {
	return State(g.state.Load())
}

// SetReady moves the gate to Ready. Returns true if the state changed.
func (g *Gate) SetReady() bool {
	changed := g.state.CompareAndSwap(int32(LoggedOut), int32(Ready))
	if changed {
		g.readyEpochs.Add(1)
	}
	return changed
}

// SetLoggedOut moves the gate to LoggedOut. Returns true if the state changed.
func (g *Gate) SetLoggedOut() bool {
	return g.state.CompareAndSwap(int32(Ready), int32(LoggedOut))
}

// Epoch returns how many LoggedOut->Ready transitions have happened.
// Each epoch is one Ready period.
func (g *Gate) Epoch() uint64 {
	return g.readyEpochs.Load()
}
