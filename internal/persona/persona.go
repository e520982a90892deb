// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persona provides read access to construct (persona) profiles.
package persona

import (
	"context"
	"sort"
)

// =============================================================================
// PERSONA
// =============================================================================

// Persona is a named personality profile. The pipeline only reads personas;
// creation and mutation belong to external tooling.
type Persona struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Traits is the free-form trait document (key/value).
	Traits map[string]string `json:"traits,omitempty"`

	// Sampling overrides. Nil means no override.
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`

	OwnerID string `json:"owner_id,omitempty"`
}

// TraitKeys returns the trait keys in a stable order.
func (p *Persona) TraitKeys() []string {
	keys := make([]string, 0, len(p.Traits))
	for k := range p.Traits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// LOADER
// =============================================================================

// Loader resolves a persona by id.
//
// Get returns (nil, nil) when the persona does not exist; errors are
// reserved for transport failures. Callers treat both as "proceed without a
// persona", logging the latter.
type Loader interface {
	Get(ctx context.Context, id string) (*Persona, error)
}

// NopLoader is a Loader that never finds anything. Used when no persona
// store is configured.
type NopLoader struct{}

// Get always reports not found.
func (NopLoader) Get(ctx context.Context, id string) (*Persona, error) {
	return nil, nil
}
