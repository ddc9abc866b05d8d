// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Timestamps are stored as Unix milliseconds so comparison semantics do
// not depend on dialect timestamp handling.
var messageSchemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id VARCHAR(36) NOT NULL,
		thread_id VARCHAR(36) NOT NULL,
		identity VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL,
		content TEXT NOT NULL,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		created_at_ms BIGINT NOT NULL,
		PRIMARY KEY (id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_thread
		ON chat_messages (identity, thread_id, created_at_ms)`,
	`CREATE TABLE IF NOT EXISTS chat_threads (
		identity VARCHAR(255) NOT NULL,
		thread_id VARCHAR(36) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message_count BIGINT NOT NULL DEFAULT 0,
		last_message_at_ms BIGINT NOT NULL,
		PRIMARY KEY (identity, thread_id)
	)`,
}

// SQLMessageStore is a MessageStore backed by database/sql, durable and
// shareable across gateway replicas. It supports the "postgres" and
// "sqlite" dialects.
//
// Each save runs in one transaction: the message upsert and the thread
// summary upsert land together or not at all. The summary's count is
// recomputed from the messages table inside the transaction, so retried
// saves of the same message id cannot inflate it.
type SQLMessageStore struct {
	db      *sql.DB
	dialect string
}

var _ MessageStore = (*SQLMessageStore)(nil)

// NewSQLMessageStore creates a SQL-backed message store and initializes
// its schema. Supported dialects: "postgres", "sqlite".
func NewSQLMessageStore(db *sql.DB, dialect string) (*SQLMessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	s := &SQLMessageStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLMessageStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range messageSchemaSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create message schema: %w", err)
		}
	}
	return nil
}

// SaveMessage upserts the message and its thread summary in one
// transaction.
func (s *SQLMessageStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := prepareMessage(msg); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsertMessage := `
		INSERT INTO chat_messages (id, thread_id, identity, role, content, partial, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			partial = excluded.partial`
	if s.dialect == "postgres" {
		upsertMessage = `
			INSERT INTO chat_messages (id, thread_id, identity, role, content, partial, created_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				partial = EXCLUDED.partial`
	}
	_, err = tx.ExecContext(ctx, upsertMessage,
		msg.ID, msg.ThreadID, msg.Identity, msg.Role, msg.Content, msg.Partial, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	// The count subquery runs after the message upsert in the same
	// transaction, so it sees the new row exactly once.
	title := titleCandidate(msg)
	lastMs := msg.CreatedAt.UnixMilli()
	if s.dialect == "postgres" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_threads (identity, thread_id, title, message_count, last_message_at_ms)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (identity, thread_id) DO UPDATE SET
				message_count = (SELECT COUNT(*) FROM chat_messages
					WHERE identity = $1 AND thread_id = $2),
				last_message_at_ms = CASE
					WHEN EXCLUDED.last_message_at_ms > chat_threads.last_message_at_ms
					THEN EXCLUDED.last_message_at_ms ELSE chat_threads.last_message_at_ms END,
				title = CASE WHEN chat_threads.title = '' THEN EXCLUDED.title
					ELSE chat_threads.title END`,
			msg.Identity, msg.ThreadID, title, lastMs,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_threads (identity, thread_id, title, message_count, last_message_at_ms)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (identity, thread_id) DO UPDATE SET
				message_count = (SELECT COUNT(*) FROM chat_messages
					WHERE identity = ? AND thread_id = ?),
				last_message_at_ms = CASE
					WHEN excluded.last_message_at_ms > chat_threads.last_message_at_ms
					THEN excluded.last_message_at_ms ELSE chat_threads.last_message_at_ms END,
				title = CASE WHEN chat_threads.title = '' THEN excluded.title
					ELSE chat_threads.title END`,
			msg.Identity, msg.ThreadID, title, lastMs, msg.Identity, msg.ThreadID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert thread summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message save: %w", err)
	}
	return nil
}

// History returns the thread's most recent messages in chronological
// order.
func (s *SQLMessageStore) History(ctx context.Context, identity, threadID string, limit int) ([]Message, error) {
	limit = clampHistoryLimit(limit)

	// Newest-first with LIMIT picks the most recent messages; rows are
	// reversed below to come out chronological. The role key keeps a
	// user prompt ahead of its same-millisecond assistant answer.
	query := `
		SELECT id, thread_id, identity, role, content, partial, created_at_ms
		FROM chat_messages
		WHERE identity = ? AND thread_id = ?
		ORDER BY created_at_ms DESC,
			CASE WHEN role = 'user' THEN 1 ELSE 0 END,
			id DESC
		LIMIT ?`
	if s.dialect == "postgres" {
		query = `
			SELECT id, thread_id, identity, role, content, partial, created_at_ms
			FROM chat_messages
			WHERE identity = $1 AND thread_id = $2
			ORDER BY created_at_ms DESC,
				CASE WHEN role = 'user' THEN 1 ELSE 0 END,
				id DESC
			LIMIT $3`
	}

	rows, err := s.db.QueryContext(ctx, query, identity, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var createdMs int64
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Identity, &msg.Role,
			&msg.Content, &msg.Partial, &createdMs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdMs)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Threads returns the identity's thread summaries, most recently active
// first.
func (s *SQLMessageStore) Threads(ctx context.Context, identity string) ([]ThreadSummary, error) {
	query := `
		SELECT thread_id, title, message_count, last_message_at_ms
		FROM chat_threads
		WHERE identity = ?
		ORDER BY last_message_at_ms DESC, thread_id`
	if s.dialect == "postgres" {
		query = `
			SELECT thread_id, title, message_count, last_message_at_ms
			FROM chat_threads
			WHERE identity = $1
			ORDER BY last_message_at_ms DESC, thread_id`
	}

	rows, err := s.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var summaries []ThreadSummary
	for rows.Next() {
		var summary ThreadSummary
		var lastMs int64
		if err := rows.Scan(&summary.ThreadID, &summary.Title, &summary.MessageCount, &lastMs); err != nil {
			return nil, fmt.Errorf("failed to scan thread summary: %w", err)
		}
		summary.LastMessageAt = time.UnixMilli(lastMs)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read thread rows: %w", err)
	}
	return summaries, nil
}

// DeleteThread removes the thread and all its messages in one
// transaction.
func (s *SQLMessageStore) DeleteThread(ctx context.Context, identity, threadID string) error {
	deleteMessages := `DELETE FROM chat_messages WHERE identity = ? AND thread_id = ?`
	deleteThread := `DELETE FROM chat_threads WHERE identity = ? AND thread_id = ?`
	if s.dialect == "postgres" {
		deleteMessages = `DELETE FROM chat_messages WHERE identity = $1 AND thread_id = $2`
		deleteThread = `DELETE FROM chat_threads WHERE identity = $1 AND thread_id = $2`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	msgResult, err := tx.ExecContext(ctx, deleteMessages, identity, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	thrResult, err := tx.ExecContext(ctx, deleteThread, identity, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread delete: %w", err)
	}

	msgRows, _ := msgResult.RowsAffected()
	thrRows, _ := thrResult.RowsAffected()
	if msgRows == 0 && thrRows == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// Close releases the store. The underlying database connection is not
// closed; it may be shared with other components.
func (s *SQLMessageStore) Close() error {
	return nil
}

// Dialect returns the SQL dialect (for testing).
func (s *SQLMessageStore) Dialect() string {
	return s.dialect
}
