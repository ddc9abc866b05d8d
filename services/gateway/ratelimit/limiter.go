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
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrStoreUnavailable wraps quota store failures so callers can map
// them to an availability error instead of a rate limit rejection.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// RateLimitedError is returned by TryAcquire when the identity has
// exhausted its window. RetryAfter tells the client how long until the
// window rotates.
type RateLimitedError struct {
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: limit %d, retry after %s", e.Limit, e.RetryAfter)
}

// Reservation is one admitted slot in an identity's window. Every
// reservation must be settled exactly once, either by Commit when the
// stream produced output or by Limiter.Release when it never did.
type Reservation struct {
	// Identity is the caller the slot was charged to.
	Identity string

	// WindowStart identifies the window the slot was taken from. A
	// refund is valid only while this window is still active.
	WindowStart time.Time

	// Count is the identity's count immediately after this acquire.
	Count int64

	// AcquiredAt is when the slot was taken.
	AcquiredAt time.Time

	settled atomic.Bool
}

// Commit marks the reservation as consumed. The slot stays charged.
// Returns false if the reservation was already settled.
func (r *Reservation) Commit() bool {
	return r.settled.CompareAndSwap(false, true)
}

// Limiter makes admission decisions against a QuotaStore.
//
// # Description
//
// Admission charges the slot before the decision is known: TryAcquire
// increments first and rejects when the incremented count exceeds the
// limit, without refunding. A rejected request therefore still consumes
// a slot, which keeps tight retry loops from starving well-behaved
// callers. Refunds exist only for requests the gateway admitted but
// abandoned before the upstream produced any output.
//
// When the quota store is unreachable the Limiter fails closed and
// TryAcquire returns the store error. Callers should surface it as an
// upstream availability problem, not as a rate limit rejection.
type Limiter struct {
	store          QuotaStore
	limit          int64
	windowDuration time.Duration
}

// NewLimiter creates a Limiter enforcing limit requests per window.
// The window duration must match the duration the store was built with.
func NewLimiter(store QuotaStore, limit int64, windowDuration time.Duration) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if windowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %s", windowDuration)
	}
	return &Limiter{
		store:          store,
		limit:          limit,
		windowDuration: windowDuration,
	}, nil
}

// TryAcquire charges one slot to the identity and admits the request if
// the window still has capacity. On rejection it returns a
// *RateLimitedError and the slot stays consumed.
func (l *Limiter) TryAcquire(ctx context.Context, identity string) (*Reservation, error) {
	count, windowStart, err := l.store.Increment(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	now := time.Now()
	if count > l.limit {
		retryAfter := l.windowDuration - now.Sub(windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &RateLimitedError{Limit: l.limit, RetryAfter: retryAfter}
	}

	return &Reservation{
		Identity:    identity,
		WindowStart: windowStart,
		Count:       count,
		AcquiredAt:  now,
	}, nil
}

// Release refunds an unused reservation. It is a no-op for nil or
// already-settled reservations, so callers can defer it unconditionally
// and Commit on the success path.
func (l *Limiter) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	if !r.settled.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.store.Decrement(ctx, r.Identity, r.WindowStart); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Status returns the identity's current window snapshot.
func (l *Limiter) Status(ctx context.Context, identity string) (*Window, error) {
	return l.store.CurrentWindow(ctx, identity)
}

// Limit returns the configured per-window request limit.
func (l *Limiter) Limit() int64 {
	return l.limit
}

// WindowDuration returns the configured window duration.
func (l *Limiter) WindowDuration() time.Duration {
	return l.windowDuration
}
