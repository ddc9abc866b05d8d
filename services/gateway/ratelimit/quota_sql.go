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
	"errors"
	"fmt"
	"time"
)

const createQuotaTableSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
    identity VARCHAR(255) NOT NULL,
    window_start_ms BIGINT NOT NULL,
    amount BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (identity)
);
`

// SQLQuotaStore is a QuotaStore backed by database/sql, durable across
// gateway restarts. It supports the "postgres" and "sqlite" dialects.
//
// # Description
//
// Postgres uses a single INSERT ... ON CONFLICT DO UPDATE ... RETURNING
// statement so that increment-with-rotation is one atomic round trip.
// SQLite has no usable RETURNING on the upsert path, so it steps
// through increment / rotate / insert, each a single atomic statement
// (the increment uses UPDATE ... RETURNING so the count read cannot be
// inflated by a concurrent caller), with a bounded retry on insert
// races.
//
// Window starts are stored as Unix milliseconds to keep timestamp
// comparison semantics identical across dialects.
type SQLQuotaStore struct {
	db             *sql.DB
	dialect        string
	windowDuration time.Duration
}

var _ QuotaStore = (*SQLQuotaStore)(nil)

// NewSQLQuotaStore creates a SQL-backed quota store and initializes its
// schema. Supported dialects: "postgres", "sqlite".
func NewSQLQuotaStore(db *sql.DB, dialect string, windowDuration time.Duration) (*SQLQuotaStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}
	if windowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %s", windowDuration)
	}

	s := &SQLQuotaStore{
		db:             db,
		dialect:        dialect,
		windowDuration: windowDuration,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLQuotaStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createQuotaTableSQL); err != nil {
		return fmt.Errorf("failed to create rate_limit_windows table: %w", err)
	}
	return nil
}

// Increment atomically increments the identity's count, rotating the
// window when it has expired.
func (s *SQLQuotaStore) Increment(ctx context.Context, identity string) (int64, time.Time, error) {
	nowMs := time.Now().UnixMilli()
	// A window whose start is at or before this threshold has expired.
	expiredBeforeMs := nowMs - s.windowDuration.Milliseconds()

	if s.dialect == "postgres" {
		return s.incrementPostgres(ctx, identity, nowMs, expiredBeforeMs)
	}
	return s.incrementSQLite(ctx, identity, nowMs, expiredBeforeMs, 0)
}

func (s *SQLQuotaStore) incrementPostgres(ctx context.Context, identity string, nowMs, expiredBeforeMs int64) (int64, time.Time, error) {
	const query = `
		INSERT INTO rate_limit_windows (identity, window_start_ms, amount)
		VALUES ($1, $2, 1)
		ON CONFLICT (identity) DO UPDATE SET
			amount = CASE WHEN rate_limit_windows.window_start_ms <= $3
				THEN 1 ELSE rate_limit_windows.amount + 1 END,
			window_start_ms = CASE WHEN rate_limit_windows.window_start_ms <= $3
				THEN $2 ELSE rate_limit_windows.window_start_ms END
		RETURNING amount, window_start_ms
	`

	var amount, startMs int64
	err := s.db.QueryRowContext(ctx, query, identity, nowMs, expiredBeforeMs).Scan(&amount, &startMs)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment quota: %w", err)
	}
	return amount, time.UnixMilli(startMs), nil
}

// maxInsertRetries bounds the insert-race retry loop on the SQLite path.
const maxInsertRetries = 3

func (s *SQLQuotaStore) incrementSQLite(ctx context.Context, identity string, nowMs, expiredBeforeMs int64, attempt int) (int64, time.Time, error) {
	// 1. Increment inside a still-active window. RETURNING folds the
	// read into the update statement, so a concurrent increment can
	// never land between them and inflate the count this caller sees.
	var amount, startMs int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE rate_limit_windows SET amount = amount + 1
		 WHERE identity = ? AND window_start_ms > ?
		 RETURNING amount, window_start_ms`,
		identity, expiredBeforeMs,
	).Scan(&amount, &startMs)
	if err == nil {
		return amount, time.UnixMilli(startMs), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("failed to increment quota: %w", err)
	}

	// 2. Rotate an expired window in place.
	result, err := s.db.ExecContext(ctx,
		`UPDATE rate_limit_windows SET amount = 1, window_start_ms = ?
		 WHERE identity = ? AND window_start_ms <= ?`,
		nowMs, identity, expiredBeforeMs,
	)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to rotate quota window: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return 1, time.UnixMilli(nowMs), nil
	}

	// 3. First request for this identity.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (identity, window_start_ms, amount) VALUES (?, ?, 1)`,
		identity, nowMs,
	)
	if err != nil {
		// A concurrent caller inserted the row between steps 1 and 3;
		// retry against the now-existing row.
		if attempt < maxInsertRetries {
			return s.incrementSQLite(ctx, identity, nowMs, expiredBeforeMs, attempt+1)
		}
		return 0, time.Time{}, fmt.Errorf("failed to insert quota window: %w", err)
	}
	return 1, time.UnixMilli(nowMs), nil
}

// Decrement refunds one slot if the given window is still the active one.
func (s *SQLQuotaStore) Decrement(ctx context.Context, identity string, windowStart time.Time) error {
	query := `UPDATE rate_limit_windows SET amount = amount - 1
		WHERE identity = ? AND window_start_ms = ? AND amount > 0`
	if s.dialect == "postgres" {
		query = `UPDATE rate_limit_windows SET amount = amount - 1
			WHERE identity = $1 AND window_start_ms = $2 AND amount > 0`
	}

	_, err := s.db.ExecContext(ctx, query, identity, windowStart.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to decrement quota: %w", err)
	}
	return nil
}

// CurrentWindow returns a snapshot of the identity's active window.
func (s *SQLQuotaStore) CurrentWindow(ctx context.Context, identity string) (*Window, error) {
	query := `SELECT amount, window_start_ms FROM rate_limit_windows WHERE identity = ?`
	if s.dialect == "postgres" {
		query = `SELECT amount, window_start_ms FROM rate_limit_windows WHERE identity = $1`
	}

	var amount, startMs int64
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&amount, &startMs)
	if err == sql.ErrNoRows {
		return &Window{Identity: identity}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query quota window: %w", err)
	}

	start := time.UnixMilli(startMs)
	if time.Since(start) >= s.windowDuration {
		return &Window{Identity: identity}, nil
	}
	return &Window{Identity: identity, WindowStart: start, Count: amount}, nil
}

// Close releases the store. The underlying database connection is not
// closed; it may be shared with other components.
func (s *SQLQuotaStore) Close() error {
	return nil
}

// Dialect returns the SQL dialect (for testing).
func (s *SQLQuotaStore) Dialect() string {
	return s.dialect
}
