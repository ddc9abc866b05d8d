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
	"sort"
	"sync"
)

// MemoryMessageStore is an in-process MessageStore. Transcripts do not
// survive a restart; it is the default for single-replica deployments
// that treat history as a convenience, and for tests.
type MemoryMessageStore struct {
	mu      sync.RWMutex
	threads map[string]map[string]*memoryThread
}

type memoryThread struct {
	summary  ThreadSummary
	messages []Message
	index    map[string]int
}

var _ MessageStore = (*MemoryMessageStore)(nil)

// NewMemoryMessageStore creates an empty in-memory store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		threads: make(map[string]map[string]*memoryThread),
	}
}

// SaveMessage upserts the message and keeps the thread summary current.
func (s *MemoryMessageStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := prepareMessage(msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byThread, ok := s.threads[msg.Identity]
	if !ok {
		byThread = make(map[string]*memoryThread)
		s.threads[msg.Identity] = byThread
	}
	thread, ok := byThread[msg.ThreadID]
	if !ok {
		thread = &memoryThread{
			summary: ThreadSummary{ThreadID: msg.ThreadID},
			index:   make(map[string]int),
		}
		byThread[msg.ThreadID] = thread
	}

	if i, exists := thread.index[msg.ID]; exists {
		// Retried write of the same logical message; replace in place
		// without touching the count.
		thread.messages[i] = *msg
	} else {
		thread.index[msg.ID] = len(thread.messages)
		thread.messages = append(thread.messages, *msg)
		thread.summary.MessageCount++
	}

	if msg.CreatedAt.After(thread.summary.LastMessageAt) {
		thread.summary.LastMessageAt = msg.CreatedAt
	}
	if thread.summary.Title == "" {
		thread.summary.Title = titleCandidate(msg)
	}
	return nil
}

// History returns the thread's most recent messages in chronological
// order.
func (s *MemoryMessageStore) History(ctx context.Context, identity, threadID string, limit int) ([]Message, error) {
	limit = clampHistoryLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[identity][threadID]
	if !ok {
		return nil, nil
	}

	messages := make([]Message, len(thread.messages))
	copy(messages, thread.messages)
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
func (s *MemoryMessageStore) Threads(ctx context.Context, identity string) ([]ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byThread := s.threads[identity]
	summaries := make([]ThreadSummary, 0, len(byThread))
	for _, thread := range byThread {
		summaries = append(summaries, thread.summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].LastMessageAt.Equal(summaries[j].LastMessageAt) {
			return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
		}
		return summaries[i].ThreadID < summaries[j].ThreadID
	})
	return summaries, nil
}

// DeleteThread removes the thread and all its messages.
func (s *MemoryMessageStore) DeleteThread(ctx context.Context, identity, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byThread, ok := s.threads[identity]
	if !ok {
		return ErrThreadNotFound
	}
	if _, ok := byThread[threadID]; !ok {
		return ErrThreadNotFound
	}
	delete(byThread, threadID)
	if len(byThread) == 0 {
		delete(s.threads, identity)
	}
	return nil
}

// Close discards all state.
func (s *MemoryMessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]map[string]*memoryThread)
	return nil
}
