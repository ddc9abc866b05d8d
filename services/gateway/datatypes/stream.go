// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// =============================================================================
// Stream Event Types
// =============================================================================

// Stream event type values carried in StreamEvent.Type.
//
// A stream is a sequence of zero or more status events, then delta events in
// production order, then zero or more artifact events, then exactly one
// terminal event (completion or error).
const (
	// EventStatus is a human-readable progress message (e.g. "Connecting
	// to provider..."). Not part of the answer text.
	EventStatus = "status"

	// EventDelta carries one incremental chunk of the answer in Content.
	// Deltas arrive in production order; concatenating them yields the
	// full answer.
	EventDelta = "delta"

	// EventArtifact carries a fenced code block detected in the completed
	// answer: Language holds the fence's language tag, Content the code.
	EventArtifact = "artifact"

	// EventCompletion is the terminal event of a successful stream. Carries
	// ThreadId so the client can continue the conversation, and HasArtifact
	// when artifact events preceded it.
	EventCompletion = "completion"

	// EventError is the terminal event of a failed stream. Error holds a
	// sanitized message; deltas delivered before it remain valid partial
	// output.
	EventError = "error"
)

// =============================================================================
// Stream Event Envelope
// =============================================================================

// StreamEvent is the wire envelope for one server-sent stream event.
//
// # Description
//
// StreamEvent is serialized as the data payload of each SSE frame (and as
// each WebSocket message on the WS transport). Events form a per-stream hash
// chain: the writer assigns Id, CreatedAt, Hash, and PrevHash, where each
// event's PrevHash equals the previous event's Hash. A client can replay the
// chain to verify no event was dropped, reordered, or altered in transit.
//
// # Fields
//
//   - Id: UUID v4 assigned by the writer, unique per event.
//   - Type: One of the Event* constants above.
//   - CreatedAt: Unix timestamp in milliseconds when the event was written.
//   - PrevHash: Hash of the previous event; empty for the first event.
//   - Hash: SHA-256 over this event's identifying and content fields.
//   - Message: Status text (status events).
//   - Content: Answer chunk (delta events) or code body (artifact events).
//   - Language: Code fence language tag (artifact events; may be empty).
//   - ThreadId: Conversation thread UUID (terminal events).
//   - HasArtifact: Whether artifact events were emitted (completion events).
//   - Error: Sanitized failure message (error events).
//
// # Examples
//
//	Delta frame:
//	event: delta
//	data: {"id":"...","type":"delta","created_at":1735817400000,
//	       "prev_hash":"9f...","hash":"3c...","content":"Hello"}
//
// # Limitations
//
//   - Hash and PrevHash are writer-assigned; events built by hand carry
//     empty chain fields until written.
type StreamEvent struct {
	Id          string `json:"id"`
	Type        string `json:"type"`
	CreatedAt   int64  `json:"created_at"`
	PrevHash    string `json:"prev_hash"`
	Hash        string `json:"hash"`
	Message     string `json:"message,omitempty"`
	Content     string `json:"content,omitempty"`
	Language    string `json:"language,omitempty"`
	ThreadId    string `json:"thread_id,omitempty"`
	HasArtifact bool   `json:"has_artifact,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewStreamEvent creates a StreamEvent of the given type with a fresh Id
// and CreatedAt. Optional fields are set via the With* builder methods.
//
// # Examples
//
//	event := NewStreamEvent(EventCompletion).
//	    WithThreadId("550e8400-e29b-41d4-a716-446655440000")
func NewStreamEvent(eventType string) *StreamEvent {
	return &StreamEvent{
		Id:        generateUUID(),
		Type:      eventType,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// WithMessage sets the status message and returns the event for chaining.
func (e *StreamEvent) WithMessage(message string) *StreamEvent {
	e.Message = message
	return e
}

// WithContent sets the content payload and returns the event for chaining.
func (e *StreamEvent) WithContent(content string) *StreamEvent {
	e.Content = content
	return e
}

// WithLanguage sets the artifact language tag and returns the event for
// chaining.
func (e *StreamEvent) WithLanguage(language string) *StreamEvent {
	e.Language = language
	return e
}

// WithThreadId sets the thread UUID and returns the event for chaining.
func (e *StreamEvent) WithThreadId(threadId string) *StreamEvent {
	e.ThreadId = threadId
	return e
}

// WithArtifactFlag sets HasArtifact and returns the event for chaining.
func (e *StreamEvent) WithArtifactFlag(hasArtifact bool) *StreamEvent {
	e.HasArtifact = hasArtifact
	return e
}

// WithError sets the error message and returns the event for chaining.
func (e *StreamEvent) WithError(errorMsg string) *StreamEvent {
	e.Error = errorMsg
	return e
}

// IsTerminal reports whether this event ends its stream. Exactly one
// terminal event closes every stream: completion on success, error on
// failure.
func (e *StreamEvent) IsTerminal() bool {
	return e.Type == EventCompletion || e.Type == EventError
}
