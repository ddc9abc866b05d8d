// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"time"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// StreamCallback is invoked for each event as it is read from a stream.
//
// Returning a non-nil error aborts the read. The callback receives the
// event exactly as the server sent it, chain fields included.
type StreamCallback func(event datatypes.StreamEvent) error

// Artifact is a fenced code block extracted from a stream.
type Artifact struct {
	// Language is the fence language tag, empty when the server omitted one
	Language string

	// Content is the code block body without the fences
	Content string
}

// StreamOutcome accumulates everything a single streamed exchange produced.
//
// # Description
//
//	One StreamOutcome is built per request. Renderers fill it in as events
//	arrive; after the stream ends the caller reads the answer, the collected
//	events for chain verification, and the timing fields for the session
//	summary. Timestamps are Unix milliseconds to match the wire format.
//
// # Thread Safety
//
//	StreamOutcome itself is a plain value. Renderers guard their internal
//	copy with a mutex and hand out snapshots via Outcome().
type StreamOutcome struct {
	// Id uniquely identifies this exchange on the client side
	Id string

	// RequestID is the idempotency key sent with the request
	RequestID string

	// ThreadID is the conversation this exchange belongs to, as reported
	// by the completion event
	ThreadID string

	// Answer is the assembled assistant response
	Answer string

	// Artifacts holds code blocks announced by artifact events
	Artifacts []Artifact

	// Events is every parsed event in arrival order, kept for chain
	// verification after the stream closes
	Events []datatypes.StreamEvent

	// Error is the stream error message, empty on success
	Error string

	// TotalDeltas counts delta events
	TotalDeltas int

	// TotalEvents counts all events, terminal ones included
	TotalEvents int

	// CreatedAt is when the exchange started, Unix milliseconds
	CreatedAt int64

	// FirstDeltaAt is when the first delta arrived, 0 if none did
	FirstDeltaAt int64

	// CompletedAt is when the stream ended, 0 while still running
	CompletedAt int64
}

// Duration returns the total wall time of the exchange.
//
// Returns 0 if the stream has not completed yet.
func (o *StreamOutcome) Duration() time.Duration {
	if o.CompletedAt == 0 || o.CreatedAt == 0 {
		return 0
	}
	return time.Duration(o.CompletedAt-o.CreatedAt) * time.Millisecond
}

// TimeToFirstDelta returns how long the user waited before output began.
//
// Returns 0 if no delta ever arrived.
func (o *StreamOutcome) TimeToFirstDelta() time.Duration {
	if o.FirstDeltaAt == 0 || o.CreatedAt == 0 {
		return 0
	}
	return time.Duration(o.FirstDeltaAt-o.CreatedAt) * time.Millisecond
}

// HasError reports whether the stream ended with an error event.
func (o *StreamOutcome) HasError() bool {
	return o.Error != ""
}

// HasArtifacts reports whether any artifact events arrived.
func (o *StreamOutcome) HasArtifacts() bool {
	return len(o.Artifacts) > 0
}
