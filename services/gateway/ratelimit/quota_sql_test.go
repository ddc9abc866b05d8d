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
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// newTestSQLStore opens an in-memory SQLite database limited to one
// connection. With pooling, each new connection would see its own empty
// in-memory database.
func newTestSQLStore(t *testing.T, window time.Duration) *SQLQuotaStore {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLQuotaStore(db, "sqlite", window)
	if err != nil {
		t.Fatalf("NewSQLQuotaStore failed: %v", err)
	}
	return store
}

func TestNewSQLQuotaStore_ValidatesInputs(t *testing.T) {
	if _, err := NewSQLQuotaStore(nil, "sqlite", time.Minute); err == nil {
		t.Error("expected error for nil database")
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	if _, err := NewSQLQuotaStore(db, "mysql", time.Minute); err == nil {
		t.Error("expected error for unsupported dialect")
	}
	if _, err := NewSQLQuotaStore(db, "sqlite", 0); err == nil {
		t.Error("expected error for zero window duration")
	}
}

func TestSQLQuotaStore_Dialect(t *testing.T) {
	store := newTestSQLStore(t, time.Minute)
	if got := store.Dialect(); got != "sqlite" {
		t.Errorf("expected dialect 'sqlite', got %q", got)
	}
}

func TestSQLQuotaStore_IncrementCountsWithinWindow(t *testing.T) {
	store := newTestSQLStore(t, time.Hour)
	ctx := context.Background()

	count1, start1, err := store.Increment(ctx, "alice")
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count1 != 1 {
		t.Errorf("expected count 1, got %d", count1)
	}

	count2, start2, err := store.Increment(ctx, "alice")
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count2 != 2 {
		t.Errorf("expected count 2, got %d", count2)
	}
	if !start2.Equal(start1) {
		t.Errorf("window start changed within window: %v vs %v", start1, start2)
	}
}

func TestSQLQuotaStore_WindowRotation(t *testing.T) {
	store := newTestSQLStore(t, 100*time.Millisecond)
	ctx := context.Background()

	store.Increment(ctx, "alice")
	_, start1, _ := store.Increment(ctx, "alice")

	time.Sleep(250 * time.Millisecond)

	count, start2, err := store.Increment(ctx, "alice")
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected fresh window count 1, got %d", count)
	}
	if !start2.After(start1) {
		t.Errorf("expected rotated window start after %v, got %v", start1, start2)
	}
}

func TestSQLQuotaStore_DecrementRefunds(t *testing.T) {
	store := newTestSQLStore(t, time.Hour)
	ctx := context.Background()

	store.Increment(ctx, "alice")
	_, start, _ := store.Increment(ctx, "alice")

	if err := store.Decrement(ctx, "alice", start); err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}

	window, err := store.CurrentWindow(ctx, "alice")
	if err != nil {
		t.Fatalf("CurrentWindow failed: %v", err)
	}
	if window.Count != 1 {
		t.Errorf("expected count 1 after refund, got %d", window.Count)
	}
}

func TestSQLQuotaStore_DecrementIgnoresRotatedWindow(t *testing.T) {
	store := newTestSQLStore(t, 100*time.Millisecond)
	ctx := context.Background()

	_, staleStart, _ := store.Increment(ctx, "alice")

	time.Sleep(250 * time.Millisecond)

	store.Increment(ctx, "alice")
	if err := store.Decrement(ctx, "alice", staleStart); err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}

	window, err := store.CurrentWindow(ctx, "alice")
	if err != nil {
		t.Fatalf("CurrentWindow failed: %v", err)
	}
	if window.Count != 1 {
		t.Errorf("stale refund changed the active window: count %d", window.Count)
	}
}

func TestSQLQuotaStore_DecrementFloorsAtZero(t *testing.T) {
	store := newTestSQLStore(t, time.Hour)
	ctx := context.Background()

	_, start, _ := store.Increment(ctx, "alice")
	store.Decrement(ctx, "alice", start)
	if err := store.Decrement(ctx, "alice", start); err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}

	window, err := store.CurrentWindow(ctx, "alice")
	if err != nil {
		t.Fatalf("CurrentWindow failed: %v", err)
	}
	if window.Count != 0 {
		t.Errorf("expected count floored at 0, got %d", window.Count)
	}
}

func TestSQLQuotaStore_CurrentWindowUnknownIdentity(t *testing.T) {
	store := newTestSQLStore(t, time.Hour)

	window, err := store.CurrentWindow(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("CurrentWindow failed: %v", err)
	}
	if !window.WindowStart.IsZero() || window.Count != 0 {
		t.Errorf("expected empty window, got start=%v count=%d", window.WindowStart, window.Count)
	}
}

func TestSQLQuotaStore_CurrentWindowExpired(t *testing.T) {
	store := newTestSQLStore(t, 100*time.Millisecond)
	ctx := context.Background()

	store.Increment(ctx, "alice")
	time.Sleep(250 * time.Millisecond)

	window, err := store.CurrentWindow(ctx, "alice")
	if err != nil {
		t.Fatalf("CurrentWindow failed: %v", err)
	}
	if !window.WindowStart.IsZero() || window.Count != 0 {
		t.Errorf("expected expired window to read as empty, got start=%v count=%d",
			window.WindowStart, window.Count)
	}
}

func TestSQLQuotaStore_ConcurrentIncrements(t *testing.T) {
	store := newTestSQLStore(t, time.Hour)
	ctx := context.Background()

	const goroutines = 10
	const perGoroutine = 10

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, _, err := store.Increment(ctx, "shared"); err != nil {
					t.Errorf("Increment failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	window, err := store.CurrentWindow(ctx, "shared")
	if err != nil {
		t.Fatalf("CurrentWindow failed: %v", err)
	}
	if window.Count != goroutines*perGoroutine {
		t.Errorf("expected final count %d, got %d", goroutines*perGoroutine, window.Count)
	}
}

// Each concurrent increment must observe its own count, not one inflated
// by a neighbor landing between the update and the read.
func TestSQLQuotaStore_ConcurrentIncrementsReturnExactCounts(t *testing.T) {
	store := newTestSQLStore(t, time.Hour)
	ctx := context.Background()

	const goroutines = 8
	const perGoroutine = 5

	counts := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				count, _, err := store.Increment(ctx, "exact")
				if err != nil {
					t.Errorf("Increment failed: %v", err)
					return
				}
				counts <- count
			}
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]int)
	for c := range counts {
		seen[c]++
	}
	for want := int64(1); want <= goroutines*perGoroutine; want++ {
		if seen[want] != 1 {
			t.Errorf("count %d returned %d times, want exactly once", want, seen[want])
		}
	}
}

func TestSQLQuotaStore_CloseKeepsConnection(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	store, err := NewSQLQuotaStore(db, "sqlite", time.Minute)
	if err != nil {
		t.Fatalf("NewSQLQuotaStore failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Errorf("expected shared connection to survive Close: %v", err)
	}
}
