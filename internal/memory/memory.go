// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory persists per-thread conversation history.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// STORE
// =============================================================================

// ErrStore wraps persistence failures. History continuity for the affected
// thread is at risk when this surfaces, so callers log it prominently.
var ErrStore = errors.New("memory store error")

// Record is the persisted state of one thread.
type Record struct {
	ThreadID  string         `json:"thread_id"`
	Messages  []chat.Message `json:"messages"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the single point of truth for conversation history.
//
// MergeAndSave appends new messages to the stored sequence (creating the
// record if absent) and returns the merged sequence. Per-thread
// read-modify-write is a critical section; implementations serialize
// operations on the same thread id and never block distinct threads against
// each other. Order is insertion order, never reordered or deduplicated.
type Store interface {
	// Get returns the stored sequence for threadID, or nil when the thread
	// has no record.
	Get(ctx context.Context, threadID string) ([]chat.Message, error)

	// MergeAndSave appends msgs and returns the full merged sequence.
	MergeAndSave(ctx context.Context, threadID string, msgs []chat.Message) ([]chat.Message, error)

	// Clear removes one thread's record. Administrative; not on the request
	// path.
	Clear(ctx context.Context, threadID string) error

	// ClearAll removes every record. Administrative.
	ClearAll(ctx context.Context) error
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

// KeyedMutex provides one mutex per key. Locks for distinct keys never
// contend. Mutexes are created on demand and kept for the process lifetime;
// thread-id cardinality is bounded by actual conversations.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
