// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mode defines the interaction modes and the sampling policy derived
// from them.
package mode

import "time"

// =============================================================================
// INTERACTION MODES
// =============================================================================

// Mode selects the tone of the rendered system prompt and the default
// sampling parameters.
type Mode string

// The fixed mode enumeration.
const (
	Chat     Mode = "chat"
	Roleplay Mode = "roleplay"
	Journal  Mode = "journal"
	Story    Mode = "story"
	Assist   Mode = "assist"
	Silent   Mode = "silent"
)

// Default is the mode used when a request omits one.
const Default = Chat

// All returns the complete mode enumeration in a stable order.
func All() []Mode {
	return []Mode{Chat, Roleplay, Journal, Story, Assist, Silent}
}

// Known reports whether m is part of the fixed enumeration. The HTTP
// boundary rejects unknown modes; internal callers use the policy defaults.
func Known(m Mode) bool {
	switch m {
	case Chat, Roleplay, Journal, Story, Assist, Silent:
		return true
	}
	return false
}

// =============================================================================
// SAMPLING POLICY
// =============================================================================

// DefaultTemperature applies to any mode not found in the table. Temperature
// is a tuning knob, so lookup defaults instead of failing.
const DefaultTemperature = 0.7

var temperatures = map[Mode]float64{
	Chat:     0.7,
	Roleplay: 0.8,
	Assist:   0.3,
	Journal:  0.9,
	Story:    0.8,
	Silent:   0.1,
}

// Temperature returns the default sampling temperature for m.
func Temperature(m Mode) float64 {
	if t, ok := temperatures[m]; ok {
		return t
	}
	return DefaultTemperature
}

// =============================================================================
// STREAMING PROFILES
// =============================================================================

// StreamProfile controls how a finished response is sliced into stream
// chunks. Delay is pacing only; tests assert content and order, never timing.
type StreamProfile struct {
	// ChunkSize is the maximum content bytes per delta.
	ChunkSize int

	// Delay is slept between consecutive deltas.
	Delay time.Duration
}

var streamProfiles = map[Mode]StreamProfile{
	Chat:     {ChunkSize: 1024},
	Roleplay: {ChunkSize: 512, Delay: 50 * time.Millisecond},
	Assist:   {ChunkSize: 2048},
	Journal:  {ChunkSize: 512, Delay: 100 * time.Millisecond},
	Story:    {ChunkSize: 256, Delay: 75 * time.Millisecond},
	Silent:   {ChunkSize: 4096},
}

// DefaultStreamProfile applies to any mode not found in the table.
var DefaultStreamProfile = StreamProfile{ChunkSize: 1024}

// Streaming returns the stream profile for m.
func Streaming(m Mode) StreamProfile {
	if p, ok := streamProfiles[m]; ok {
		return p
	}
	return DefaultStreamProfile
}
