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
	"sync"
	"time"
)

// MemoryQuotaStore is an in-memory QuotaStore for single-instance
// deployments. Counters do not survive a restart, which for a fixed-window
// limiter means at worst one window of extra allowance after a redeploy.
type MemoryQuotaStore struct {
	mu             sync.Mutex
	windows        map[string]*memoryWindow
	windowDuration time.Duration
}

type memoryWindow struct {
	start time.Time
	count int64
}

var _ QuotaStore = (*MemoryQuotaStore)(nil)

// NewMemoryQuotaStore creates an in-memory quota store that rotates each
// identity's window after windowDuration.
func NewMemoryQuotaStore(windowDuration time.Duration) (*MemoryQuotaStore, error) {
	if windowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %s", windowDuration)
	}
	return &MemoryQuotaStore{
		windows:        make(map[string]*memoryWindow),
		windowDuration: windowDuration,
	}, nil
}

// Increment atomically increments the identity's count in the active
// window, rotating the window first when it has expired.
func (s *MemoryQuotaStore) Increment(_ context.Context, identity string) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[identity]
	if !ok || now.Sub(w.start) >= s.windowDuration {
		w = &memoryWindow{start: now}
		s.windows[identity] = w
	}
	w.count++
	return w.count, w.start, nil
}

// Decrement refunds one slot if the given window is still the active one.
func (s *MemoryQuotaStore) Decrement(_ context.Context, identity string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[identity]
	if !ok || !w.start.Equal(windowStart) {
		// The window rotated; the refund no longer applies.
		return nil
	}
	if w.count > 0 {
		w.count--
	}
	return nil
}

// CurrentWindow returns a snapshot of the identity's active window.
func (s *MemoryQuotaStore) CurrentWindow(_ context.Context, identity string) (*Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[identity]
	if !ok || time.Since(w.start) >= s.windowDuration {
		return &Window{Identity: identity}, nil
	}
	return &Window{
		Identity:    identity,
		WindowStart: w.start,
		Count:       w.count,
	}, nil
}

// Close releases the window map.
func (s *MemoryQuotaStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*memoryWindow)
	return nil
}
