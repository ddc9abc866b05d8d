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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerGCInterval     = 5 * time.Minute
	badgerGCDiscardRatio = 0.5
)

// BadgerMessageStore is an embedded MessageStore on BadgerDB: durable
// single-node storage without an external database.
//
// Key layout:
//
//	msg:<identity hash>:<thread id>:<created ms, zero padded>:<message id> -> Message JSON
//	thr:<identity hash>:<thread id>                                        -> ThreadSummary JSON
//
// Identities are hashed to a fixed width so key prefixes stay
// unambiguous whatever characters an auth provider puts in a subject.
// Zero-padded timestamps make lexicographic iteration chronological.
type BadgerMessageStore struct {
	db       *badger.DB
	inMemory bool
	gcStop   chan struct{}
	gcDone   chan struct{}
}

var _ MessageStore = (*BadgerMessageStore)(nil)

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerMessageStore opens a persistent store at path, creating the
// directory if needed, and starts the value log GC loop.
func NewBadgerMessageStore(path string, logger *slog.Logger) (*BadgerMessageStore, error) {
	if path == "" {
		return nil, errors.New("path is required for persistent store")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	s := &BadgerMessageStore{
		db:     db,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go s.runGC(logger)
	return s, nil
}

// NewBadgerMessageStoreInMemory opens an in-memory store for tests.
// Data is lost on Close and no GC loop runs.
func NewBadgerMessageStoreInMemory() (*BadgerMessageStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory badger store: %w", err)
	}

	s := &BadgerMessageStore{
		db:       db,
		inMemory: true,
		gcStop:   make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	close(s.gcDone)
	return s, nil
}

func (s *BadgerMessageStore) runGC(logger *slog.Logger) {
	defer close(s.gcDone)

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// Nil means a rewrite happened; ErrNoRewrite means there was
			// nothing worth collecting.
			err := s.db.RunValueLogGC(badgerGCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// identityHash returns a fixed-width key component for an identity.
func identityHash(identity string) string {
	hash := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(hash[:8])
}

func messageKey(identity, threadID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:%020d:%s", identityHash(identity), threadID, createdAt.UnixMilli(), id))
}

func messagePrefix(identity, threadID string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%s:", identityHash(identity), threadID))
}

func threadKey(identity, threadID string) []byte {
	return []byte(fmt.Sprintf("thr:%s:%s", identityHash(identity), threadID))
}

func threadPrefix(identity string) []byte {
	return []byte(fmt.Sprintf("thr:%s:", identityHash(identity)))
}

// SaveMessage upserts the message and its thread summary in one
// transaction.
func (s *BadgerMessageStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := prepareMessage(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := messageKey(msg.Identity, msg.ThreadID, msg.CreatedAt, msg.ID)
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		isNew := errors.Is(getErr, badger.ErrKeyNotFound)
		if getErr != nil && !isNew {
			return fmt.Errorf("failed to check message key: %w", getErr)
		}

		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}

		summary := ThreadSummary{ThreadID: msg.ThreadID}
		tkey := threadKey(msg.Identity, msg.ThreadID)
		item, getErr := txn.Get(tkey)
		if getErr == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &summary)
			}); err != nil {
				return fmt.Errorf("failed to decode thread summary: %w", err)
			}
		} else if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to read thread summary: %w", getErr)
		}

		if isNew {
			summary.MessageCount++
		}
		if msg.CreatedAt.After(summary.LastMessageAt) {
			summary.LastMessageAt = msg.CreatedAt
		}
		if summary.Title == "" {
			summary.Title = titleCandidate(msg)
		}

		svalue, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode thread summary: %w", err)
		}
		if err := txn.Set(tkey, svalue); err != nil {
			return fmt.Errorf("failed to write thread summary: %w", err)
		}
		return nil
	})
}

// History returns the thread's most recent messages in chronological
// order.
func (s *BadgerMessageStore) History(ctx context.Context, identity, threadID string, limit int) ([]Message, error) {
	limit = clampHistoryLimit(limit)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(identity, threadID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Key order is already chronological; the stable sort only fixes
	// same-millisecond user/assistant pairs.
	sort.SliceStable(messages, func(i, j int) bool {
		return messageLess(&messages[i], &messages[j])
	})
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// Threads returns the identity's thread summaries, most recently active
// first.
func (s *BadgerMessageStore) Threads(ctx context.Context, identity string) ([]ThreadSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var summaries []ThreadSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = threadPrefix(identity)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var summary ThreadSummary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &summary)
			}); err != nil {
				return fmt.Errorf("failed to decode thread summary: %w", err)
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastMessageAt.Equal(summaries[j].LastMessageAt) {
			return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
		}
		return summaries[i].ThreadID < summaries[j].ThreadID
	})
	return summaries, nil
}

// DeleteThread removes the thread and all its messages in one
// transaction.
func (s *BadgerMessageStore) DeleteThread(ctx context.Context, identity, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		tkey := threadKey(identity, threadID)
		if _, err := txn.Get(tkey); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrThreadNotFound
			}
			return fmt.Errorf("failed to read thread summary: %w", err)
		}
		if err := txn.Delete(tkey); err != nil {
			return fmt.Errorf("failed to delete thread summary: %w", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(identity, threadID)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}
		}
		return nil
	})
}

// Close stops the GC loop and closes the database.
func (s *BadgerMessageStore) Close() error {
	if !s.inMemory {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}
