// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// InMemStore keeps conversation records in process memory. The default
// backend; history does not survive restarts.
type InMemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	keyed   *KeyedMutex
}

// NewInMemStore creates an empty in-memory store.
func NewInMemStore() *InMemStore {
	return &InMemStore{
		records: make(map[string]*Record),
		keyed:   NewKeyedMutex(),
	}
}

// Get implements Store.
func (s *InMemStore) Get(ctx context.Context, threadID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]chat.Message, len(rec.Messages))
	copy(out, rec.Messages)
	return out, nil
}

// MergeAndSave implements Store.
func (s *InMemStore) MergeAndSave(ctx context.Context, threadID string, msgs []chat.Message) ([]chat.Message, error) {
	unlock := s.keyed.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.records[threadID]
	if !ok {
		rec = &Record{ThreadID: threadID}
		s.records[threadID] = rec
	}
	rec.Messages = append(rec.Messages, msgs...)
	rec.UpdatedAt = time.Now()
	merged := make([]chat.Message, len(rec.Messages))
	copy(merged, rec.Messages)
	s.mu.Unlock()

	return merged, nil
}

// Clear implements Store.
func (s *InMemStore) Clear(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

// ClearAll implements Store.
func (s *InMemStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	return nil
}
