// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chat transcripts and thread metadata.
//
// The gateway writes two messages per request (the user prompt before
// streaming begins, the assistant answer when the stream finalizes) and
// reads recent history back as upstream context. Three backends cover
// the deployment range: memory for single-replica and tests, SQL
// (postgres/sqlite) for shared durable storage, Badger for embedded
// single-node durability without an external database.
package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultHistoryLimit is the number of messages History returns when
	// the caller does not specify a limit. It is also the maximum; larger
	// requests are clamped.
	DefaultHistoryLimit = 50

	// messageIDContentLen bounds how much content feeds the message id
	// hash. The prefix is enough to tell retries from distinct turns;
	// hashing multi-kilobyte answers in full buys nothing.
	messageIDContentLen = 256

	// threadTitleMaxRunes bounds derived thread titles.
	threadTitleMaxRunes = 80
)

// ErrThreadNotFound is returned by DeleteThread when the identity has no
// thread with the given id.
var ErrThreadNotFound = errors.New("thread not found")

// Message is one persisted chat turn.
type Message struct {
	// ID is deterministic for a given logical write; see MessageID.
	ID string `json:"id"`

	ThreadID string `json:"thread_id"`
	Identity string `json:"identity"`

	// Role is "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`

	// Partial marks an assistant answer cut off before the upstream
	// finished, from a caller disconnect or a mid-stream failure.
	Partial bool `json:"partial,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ThreadSummary is the per-thread metadata upserted alongside each
// message write.
type ThreadSummary struct {
	ThreadID      string    `json:"thread_id"`
	Title         string    `json:"title"`
	MessageCount  int64     `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// MessageStore persists messages and thread metadata for the gateway.
//
// # Description
//
// SaveMessage is an upsert keyed on Message.ID: a retried write of the
// same logical message replaces the row instead of duplicating it, and
// does not inflate the thread's message count. Implementations keep the
// thread summary (title, count, last activity) current as part of the
// same save.
//
// History returns the most recent messages of a thread in chronological
// order. Threads lists an identity's threads, most recently active
// first. All reads and writes are scoped to the identity; one identity
// can never observe another's threads.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
	History(ctx context.Context, identity, threadID string, limit int) ([]Message, error)
	Threads(ctx context.Context, identity string) ([]ThreadSummary, error)
	DeleteThread(ctx context.Context, identity, threadID string) error
	Close() error
}

// MessageID derives a deterministic message id from the write's
// identifying fields. A retried save recomputes the same id and upserts;
// two distinct turns with identical text differ by createdAt and get
// distinct ids.
func MessageID(identity, threadID, role string, createdAt time.Time, content string) string {
	prefix := content
	if len(prefix) > messageIDContentLen {
		prefix = prefix[:messageIDContentLen]
	}
	input := fmt.Sprintf("%s|%s|%s|%d|%s", identity, threadID, role, createdAt.UnixMilli(), prefix)
	hash := sha256.Sum256([]byte(input))
	id, _ := uuid.FromBytes(hash[:16])
	return id.String()
}

// prepareMessage fills derived fields and checks the required ones.
// Shared by every backend so their save-time contracts stay identical.
func prepareMessage(msg *Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.Identity == "" {
		return errors.New("message identity is required")
	}
	if msg.ThreadID == "" {
		return errors.New("message thread id is required")
	}
	if msg.Role == "" {
		return errors.New("message role is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ID == "" {
		msg.ID = MessageID(msg.Identity, msg.ThreadID, msg.Role, msg.CreatedAt, msg.Content)
	}
	return nil
}

// clampHistoryLimit normalizes a caller-supplied history limit.
func clampHistoryLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}

// threadTitle derives a thread title from the first user prompt: the
// first line, trimmed and capped.
func threadTitle(content string) string {
	title := strings.TrimSpace(content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	runes := []rune(title)
	if len(runes) > threadTitleMaxRunes {
		title = string(runes[:threadTitleMaxRunes])
	}
	return title
}

// titleCandidate returns the title a message would give its thread if
// the thread has none yet. Only user prompts name threads.
func titleCandidate(msg *Message) string {
	if msg.Role != "user" {
		return ""
	}
	return threadTitle(msg.Content)
}

// messageLess orders messages chronologically. At equal timestamps the
// user prompt sorts before the assistant answer it produced.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Role != b.Role {
		return a.Role == "user"
	}
	return a.ID < b.ID
}
