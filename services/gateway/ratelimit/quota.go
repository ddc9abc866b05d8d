// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit enforces per-identity request limits for the gateway.
//
// The package splits the concern in two layers. QuotaStore (this file plus
// quota_memory.go, quota_sql.go, quota_redis.go) is pure counting: one
// fixed window per identity, atomically incremented, rotated when the
// window duration has elapsed. Limiter (limiter.go) is the decision layer
// that turns counts into admit/reject outcomes and hands out Reservations
// for the streaming session to settle.
package ratelimit

import (
	"context"
	"time"
)

// Window is a read-only snapshot of one identity's active fixed window.
//
// # Fields
//
//   - Identity: The caller the window belongs to.
//   - WindowStart: When the active window opened. Zero when the identity
//     has no active window (no requests yet, or the last window expired).
//   - Count: Requests counted in the active window, including attempts
//     that were rejected after incrementing.
type Window struct {
	Identity    string
	WindowStart time.Time
	Count       int64
}

// QuotaStore tracks request counts per identity and fixed time window.
//
// # Description
//
// QuotaStore is the gateway's one shared-mutable-state synchronization
// point: concurrent streaming sessions share nothing else. Implementations
// must make Increment linearizable per (identity, window) pair so that
// under unbounded concurrent callers no increment is lost or
// double-counted.
//
// Window rotation is lazy: there is no background sweeper. An Increment
// that finds the active window older than the configured window duration
// rotates it, resetting the count to 1.
//
// # Implementations
//
//   - MemoryQuotaStore (quota_memory.go): mutex-guarded map, single
//     instance deployments.
//   - SQLQuotaStore (quota_sql.go): postgres or sqlite, durable across
//     restarts.
//   - RedisQuotaStore (quota_redis.go): Lua-script atomic counters,
//     multi-instance deployments.
//
// # Thread Safety
//
// All methods must be safe for concurrent use.
type QuotaStore interface {
	// Increment atomically increments the caller's count for the current
	// window, creating the window if absent or rotating it (count reset
	// to 1) when the window duration has elapsed since WindowStart.
	// Returns the new count and the start of the window it was counted in.
	//
	// Backend unavailability is returned as an error, never as a zero
	// count: the decision layer fails closed on errors.
	Increment(ctx context.Context, identity string) (int64, time.Time, error)

	// Decrement is the refund path: it decrements the counter only if the
	// given window is still the active one. A refund arriving after the
	// window rotated is a silent no-op so it can never corrupt a
	// successor window's count. The count never goes below zero.
	Decrement(ctx context.Context, identity string, windowStart time.Time) error

	// CurrentWindow returns a read-only snapshot of the identity's active
	// window for diagnostics. When the identity has no active window the
	// returned Window has a zero WindowStart and zero Count.
	CurrentWindow(ctx context.Context, identity string) (*Window, error)

	// Close releases resources held by the store. Stores built over a
	// shared connection (SQL, Redis) do not close that connection; it may
	// be shared with other components.
	Close() error
}
