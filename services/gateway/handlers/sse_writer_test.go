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
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// sseEvent is one parsed SSE frame: the event name line and the raw
// data payload.
type sseEvent struct {
	Event string
	Data  string
}

// parseSSEEvents splits a raw SSE body into its frames. Keep-alive
// comment lines are ignored.
func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.Event != "" || current.Data != "" {
				events = append(events, current)
				current = sseEvent{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

// decodeStreamEvent unmarshals one frame's data payload.
func decodeStreamEvent(t *testing.T, data string) datatypes.StreamEvent {
	t.Helper()

	var event datatypes.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	return event
}

// verifyEventChain replays the hash chain the way a client would: every
// event's hash must recompute from its own fields, and every PrevHash
// must equal the previous event's Hash.
func verifyEventChain(t *testing.T, events []datatypes.StreamEvent) {
	t.Helper()

	prevHash := ""
	for i, event := range events {
		assert.NotEmpty(t, event.Id, "event %d missing id", i)
		assert.NotZero(t, event.CreatedAt, "event %d missing created_at", i)
		assert.Equal(t, prevHash, event.PrevHash, "event %d prev_hash does not link", i)
		assert.Equal(t, computeEventHash(event), event.Hash, "event %d hash does not verify", i)
		prevHash = event.Hash
	}
}

// noFlushWriter is an http.ResponseWriter without http.Flusher.
type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header         { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(statusCode int)  {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&noFlushWriter{header: http.Header{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.Flusher")

	writer, err := NewSSEWriter(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NotNil(t, writer)
}

func TestSetSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestSSEWriter_WriteStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("Generating response..."))

	frames := parseSSEEvents(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, datatypes.EventStatus, frames[0].Event)

	event := decodeStreamEvent(t, frames[0].Data)
	assert.Equal(t, datatypes.EventStatus, event.Type)
	assert.Equal(t, "Generating response...", event.Message)
	assert.Empty(t, event.PrevHash)
	assert.Equal(t, computeEventHash(event), event.Hash)
	assert.True(t, rec.Flushed)
}

func TestSSEWriter_ChainLinksEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("starting"))
	require.NoError(t, writer.WriteDelta("Hello"))
	require.NoError(t, writer.WriteDelta(", world"))
	require.NoError(t, writer.WriteArtifact("go", "package main\n"))
	require.NoError(t, writer.WriteCompletion("thread-1", true))

	frames := parseSSEEvents(t, rec.Body.String())
	require.Len(t, frames, 5)

	events := make([]datatypes.StreamEvent, 0, len(frames))
	for _, frame := range frames {
		events = append(events, decodeStreamEvent(t, frame.Data))
	}
	verifyEventChain(t, events)

	assert.Equal(t, datatypes.EventDelta, events[1].Type)
	assert.Equal(t, "Hello", events[1].Content)
	assert.Equal(t, "go", events[3].Language)
	assert.Equal(t, "package main\n", events[3].Content)
	assert.Equal(t, datatypes.EventCompletion, events[4].Type)
	assert.Equal(t, "thread-1", events[4].ThreadId)
	assert.True(t, events[4].HasArtifact)
}

func TestSSEWriter_WriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteDelta("partial"))
	require.NoError(t, writer.WriteError("An error occurred while processing your request"))

	frames := parseSSEEvents(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, datatypes.EventError, frames[1].Event)

	errEvent := decodeStreamEvent(t, frames[1].Data)
	assert.Equal(t, "An error occurred while processing your request", errEvent.Error)
	assert.Equal(t, decodeStreamEvent(t, frames[0].Data).Hash, errEvent.PrevHash)
}

func TestSSEWriter_KeepAliveOutsideChain(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteDelta("a"))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteDelta("b"))

	assert.Contains(t, rec.Body.String(), ": ping\n\n")

	frames := parseSSEEvents(t, rec.Body.String())
	require.Len(t, frames, 2, "keep-alive must not parse as an event")

	first := decodeStreamEvent(t, frames[0].Data)
	second := decodeStreamEvent(t, frames[1].Data)
	assert.Equal(t, first.Hash, second.PrevHash, "keep-alive must not advance the chain")
}

func TestSSEWriter_ConcurrentWritesKeepChainIntact(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, writer.WriteDelta(fmt.Sprintf("w%d-%d", id, j)))
			}
		}(i)
	}
	wg.Wait()

	frames := parseSSEEvents(t, rec.Body.String())
	require.Len(t, frames, writers*perWriter)

	events := make([]datatypes.StreamEvent, 0, len(frames))
	for _, frame := range frames {
		events = append(events, decodeStreamEvent(t, frame.Data))
	}
	verifyEventChain(t, events)
}
