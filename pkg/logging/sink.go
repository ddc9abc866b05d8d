// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Sink
// =============================================================================

// Entry is one emitted record as seen by a Sink.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
	Service string

	// Attrs are the record's key-value attributes. Child-logger
	// attributes added via With are not included; sinks see what the
	// call site passed.
	Attrs map[string]any
}

// Sink receives a copy of every emitted Entry at or above the
// configured level.
//
// Writes arrive from a single goroutine, already decoupled from the
// logging call site by a bounded queue, so implementations may block
// briefly without stalling requests. Entries are dropped when the
// queue overflows; a Sink is an observation tap, not a durable
// transport.
type Sink interface {
	// Write records one entry.
	Write(entry Entry) error

	// Close releases the sink's resources. Called once, after the
	// queue has drained.
	Close() error
}

// =============================================================================
// Built-in sinks
// =============================================================================

// MemorySink retains entries in memory. Tests attach one to assert on
// log output without parsing stderr.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends the entry.
func (s *MemorySink) Write(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Entries returns a snapshot of everything written so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Messages returns just the message strings, in write order.
func (s *MemorySink) Messages() []string {
	entries := s.Entries()
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return msgs
}

var _ Sink = (*MemorySink)(nil)

// WriterSink renders entries one per line to an io.Writer it does not
// own.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write renders the entry as a single line.
func (s *WriterSink) Write(entry Entry) error {
	_, err := fmt.Fprintf(s.w, "%s %s %s %v\n",
		entry.Time.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Close is a no-op; the writer belongs to the caller.
func (s *WriterSink) Close() error { return nil }

var _ Sink = (*WriterSink)(nil)

// =============================================================================
// Fan-out handler
// =============================================================================

// teeHandler duplicates records across destinations, letting stderr
// stay text while the file mirror stays JSON.
type teeHandler []slog.Handler

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}
