// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// EventWriter delivers stream events to one connected client.
//
// # Description
//
// Implementations serialize StreamEvent values onto a transport (SSE or
// WebSocket) and maintain the per-stream hash chain: each event written
// through a single EventWriter carries the Hash of its predecessor in
// PrevHash, so a client can detect dropped, reordered, or altered events.
// The chain fields (Id, CreatedAt, PrevHash, Hash) are assigned by the
// writer at write time; values set by the caller are overwritten.
//
// All methods are safe for concurrent use. WriteKeepAlive emits a
// transport-level heartbeat that is not part of the hash chain.
type EventWriter interface {
	// WriteEvent assigns chain fields to the event and delivers it.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus delivers a human-readable progress message.
	WriteStatus(message string) error

	// WriteDelta delivers one incremental chunk of the answer.
	WriteDelta(content string) error

	// WriteArtifact delivers one code artifact detected in the answer.
	WriteArtifact(language, content string) error

	// WriteCompletion delivers the successful terminal event.
	WriteCompletion(threadId string, hasArtifact bool) error

	// WriteError delivers the failure terminal event.
	WriteError(errMsg string) error

	// WriteKeepAlive emits a heartbeat outside the hash chain.
	WriteKeepAlive() error
}

// sseWriter implements EventWriter over Server-Sent Events.
//
// # Description
//
// Each event is framed as an SSE message (an "event:" line naming the
// type plus a "data:" line carrying the JSON envelope) and flushed
// immediately so deltas reach the client as they are produced. A mutex
// serializes writes; prevHash is only read or advanced under the lock.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

var _ EventWriter = (*sseWriter)(nil)

// NewSSEWriter creates an EventWriter that streams events over SSE.
//
// # Inputs
//
//   - w: The http.ResponseWriter of the active request. Must support
//     http.Flusher so events can be pushed without buffering.
//
// # Outputs
//
//   - EventWriter: A writer bound to the connection with an empty chain.
//   - error: If the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// SetSSEHeaders sets the response headers required for SSE streaming.
// Must be called before the first write reaches the client.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Keeps nginx-style proxies from buffering the stream.
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent assigns chain fields to the event and writes it as one SSE
// frame.
//
// # Description
//
// Id, CreatedAt, PrevHash, and Hash are assigned under the writer lock,
// then the event is serialized and flushed. Each event's PrevHash equals
// the Hash of the previous event written through this writer; the first
// event carries an empty PrevHash.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()

	return nil
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventStatus).WithMessage(message))
}

// WriteDelta writes a delta event carrying one chunk of the answer.
func (w *sseWriter) WriteDelta(content string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventDelta).WithContent(content))
}

// WriteArtifact writes an artifact event for one detected code block.
func (w *sseWriter) WriteArtifact(language, content string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventArtifact).
		WithLanguage(language).
		WithContent(content))
}

// WriteCompletion writes the successful terminal event.
func (w *sseWriter) WriteCompletion(threadId string, hasArtifact bool) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventCompletion).
		WithThreadId(threadId).
		WithArtifactFlag(hasArtifact))
}

// WriteError writes the failure terminal event.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventError).WithError(errMsg))
}

// WriteKeepAlive writes an SSE comment line to keep the connection open
// through idle proxies. Keep-alives are not events and do not advance
// the hash chain.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keep-alive: %w", err)
	}
	w.flusher.Flush()

	return nil
}

// computeEventHash returns the SHA-256 hex digest over the event's
// identifying and content fields. PrevHash is part of the input, which
// links each event to its predecessor in the chain.
func computeEventHash(event datatypes.StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%t",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.ThreadId,
		event.Language,
		event.HasArtifact,
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}
