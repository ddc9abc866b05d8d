// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// defaultQuotaKeyPrefix namespaces quota keys so several deployments can
// share one Redis instance.
const defaultQuotaKeyPrefix = "relaygate:quota:"

// incrementScript atomically increments the identity's count, rotating
// the window when it has expired. Rotation is lazy; no sweeper runs.
//
// KEYS[1] = quota hash for the identity
// ARGV[1] = now in Unix milliseconds
// ARGV[2] = window duration in milliseconds
//
// Returns {amount, window_start_ms}.
var incrementScript = goredis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

if not start or now - start >= window then
    redis.call('HSET', KEYS[1], 'window_start', now, 'amount', 1)
    redis.call('PEXPIRE', KEYS[1], window * 2)
    return {1, now}
end

local amount = redis.call('HINCRBY', KEYS[1], 'amount', 1)
return {amount, start}
`)

// decrementScript refunds one slot if the caller's window is still the
// active one. Refunds never drive the count below zero.
//
// KEYS[1] = quota hash for the identity
// ARGV[1] = window start the caller acquired in, Unix milliseconds
//
// Returns 1 if a slot was refunded, 0 otherwise.
var decrementScript = goredis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
if not start or start ~= tonumber(ARGV[1]) then
    return 0
end

local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
if not amount or amount <= 0 then
    return 0
end

redis.call('HSET', KEYS[1], 'amount', amount - 1)
return 1
`)

// RedisQuotaStore is a QuotaStore backed by Redis, shared across gateway
// replicas. All writes run as Lua scripts so increment-with-rotation and
// guarded refunds stay atomic without client-side locking.
type RedisQuotaStore struct {
	client         goredis.Cmdable
	keyPrefix      string
	windowDuration time.Duration
}

var _ QuotaStore = (*RedisQuotaStore)(nil)

// RedisQuotaOption configures a RedisQuotaStore.
type RedisQuotaOption func(*RedisQuotaStore)

// WithQuotaKeyPrefix overrides the default key prefix.
func WithQuotaKeyPrefix(prefix string) RedisQuotaOption {
	return func(s *RedisQuotaStore) {
		s.keyPrefix = prefix
	}
}

// NewRedisQuotaStore creates a Redis-backed quota store.
func NewRedisQuotaStore(client goredis.Cmdable, windowDuration time.Duration, opts ...RedisQuotaOption) (*RedisQuotaStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if windowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %s", windowDuration)
	}

	s := &RedisQuotaStore{
		client:         client,
		keyPrefix:      defaultQuotaKeyPrefix,
		windowDuration: windowDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisQuotaStore) key(identity string) string {
	return s.keyPrefix + identity
}

// Increment atomically increments the identity's count, rotating the
// window when it has expired.
func (s *RedisQuotaStore) Increment(ctx context.Context, identity string) (int64, time.Time, error) {
	nowMs := time.Now().UnixMilli()

	result, err := incrementScript.Run(ctx, s.client,
		[]string{s.key(identity)},
		nowMs, s.windowDuration.Milliseconds(),
	).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment quota: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected increment script result: %v", result)
	}
	amount, err := toInt64(values[0])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("unexpected amount in script result: %w", err)
	}
	startMs, err := toInt64(values[1])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("unexpected window start in script result: %w", err)
	}
	return amount, time.UnixMilli(startMs), nil
}

// Decrement refunds one slot if the given window is still the active one.
func (s *RedisQuotaStore) Decrement(ctx context.Context, identity string, windowStart time.Time) error {
	err := decrementScript.Run(ctx, s.client,
		[]string{s.key(identity)},
		windowStart.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to decrement quota: %w", err)
	}
	return nil
}

// CurrentWindow returns a snapshot of the identity's active window.
func (s *RedisQuotaStore) CurrentWindow(ctx context.Context, identity string) (*Window, error) {
	values, err := s.client.HMGet(ctx, s.key(identity), "window_start", "amount").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query quota window: %w", err)
	}
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return &Window{Identity: identity}, nil
	}

	startMs, err := toInt64(values[0])
	if err != nil {
		return nil, fmt.Errorf("unexpected window start value: %w", err)
	}
	amount, err := toInt64(values[1])
	if err != nil {
		return nil, fmt.Errorf("unexpected amount value: %w", err)
	}

	start := time.UnixMilli(startMs)
	if time.Since(start) >= s.windowDuration {
		return &Window{Identity: identity}, nil
	}
	return &Window{Identity: identity, WindowStart: start, Count: amount}, nil
}

// Close releases the store. The Redis client is not closed; it may be
// shared with other components.
func (s *RedisQuotaStore) Close() error {
	return nil
}

// toInt64 coerces a Lua script result value to int64. Redis returns
// integers for script numbers and strings for hash field values.
func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as int64", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
