// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// REDIS STORE
// =============================================================================

// keyPrefix namespaces thread records in redis.
const keyPrefix = "thread_"

// RedisConfig configures the redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore persists conversation records as JSON blobs in redis, one key
// per thread. The per-thread critical section is process-local; running
// multiple instances against one redis requires external coordination.
type RedisStore struct {
	rdb   *redis.Client
	keyed *KeyedMutex
}

// NewRedisStore creates the store and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, storeErr("redis ping", err)
	}
	return &RedisStore{rdb: rdb, keyed: NewKeyedMutex()}, nil
}

func threadKey(threadID string) string {
	return keyPrefix + threadID
}

func (s *RedisStore) load(ctx context.Context, threadID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, threadKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, storeErr("decode record", err)
	}
	return &rec, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, threadID string) ([]chat.Message, error) {
	rec, err := s.load(ctx, threadID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Messages, nil
}

// MergeAndSave implements Store.
func (s *RedisStore) MergeAndSave(ctx context.Context, threadID string, msgs []chat.Message) ([]chat.Message, error) {
	unlock := s.keyed.Lock(threadID)
	defer unlock()

	rec, err := s.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{ThreadID: threadID}
	}
	rec.Messages = append(rec.Messages, msgs...)
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, storeErr("encode record", err)
	}
	if err := s.rdb.Set(ctx, threadKey(threadID), data, 0).Err(); err != nil {
		return nil, storeErr("set", err)
	}
	return rec.Messages, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, threadID string) error {
	if err := s.rdb.Del(ctx, threadKey(threadID)).Err(); err != nil {
		return storeErr("del", err)
	}
	return nil
}

// ClearAll implements Store.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return storeErr("del", err)
		}
	}
	if err := iter.Err(); err != nil {
		return storeErr("scan", err)
	}
	return nil
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
