// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains stream readers that consume io.Reader sources
// and emit parsed events via callbacks.
//
// Readers handle I/O and event sequencing. They use parsers to convert
// bytes to events, but do not render output. This separation enables
// flexible composition with different renderers.

package ux

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// =============================================================================
// Stream Reader Interface
// =============================================================================

// StreamReader reads streaming responses and invokes callbacks.
//
// # Description
//
//	Abstracts the reading of streamed gateway responses. Implementations
//	handle the wire format and emit parsed StreamEvent structs in arrival
//	order, which is also chain order.
//
// # Thread Safety
//
//	Implementations must be safe for concurrent use, but a single Read or
//	ReadAll operation must not be called concurrently on the same reader.
type StreamReader interface {
	// Read processes a stream, invoking callback for each event.
	//
	// Parameters:
	//   - ctx: Context for cancellation. When cancelled, stops reading.
	//   - r: The source to read from. Caller is responsible for closing.
	//   - callback: Invoked for each parsed event. Return error to stop.
	//
	// The stream is considered complete when:
	//   - EOF is reached
	//   - A terminal event (completion/error) is received
	//   - Context is cancelled
	//   - Callback returns an error
	Read(ctx context.Context, r io.Reader, callback StreamCallback) error

	// ReadAll reads the entire stream and returns an aggregated outcome.
	//
	// Convenience over Read() for callers that do not need real-time
	// event processing. If the stream ends with an error event, the
	// message is captured in StreamOutcome.Error and this method still
	// returns a nil error; the error return covers transport and parse
	// failures only.
	ReadAll(ctx context.Context, r io.Reader) (*StreamOutcome, error)
}

// =============================================================================
// SSE Stream Reader
// =============================================================================

// sseStreamReader implements StreamReader for Server-Sent Events.
type sseStreamReader struct {
	parser SSEParser
}

// NewSSEStreamReader creates a new SSE stream reader.
//
// Example:
//
//	reader := NewSSEStreamReader(NewSSEParser())
func NewSSEStreamReader(parser SSEParser) StreamReader {
	return &sseStreamReader{
		parser: parser,
	}
}

// Read processes an SSE stream, invoking callback for each event.
//
// Lines are read using bufio.Scanner. Each line is parsed by the
// SSE parser. Nil events (framing lines, keepalives) are skipped.
func (r *sseStreamReader) Read(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	// Artifact payloads can exceed Scanner's 64KB default line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := r.parser.ParseLine(scanner.Text())
		if err != nil {
			return err
		}

		// Skip framing lines and keepalives
		if event == nil {
			continue
		}

		if err := callback(*event); err != nil {
			return err
		}

		// Exactly one terminal event closes every stream
		if event.IsTerminal() {
			return nil
		}
	}

	return scanner.Err()
}

// ReadAll reads the entire stream and returns an aggregated outcome.
//
// Collects deltas into Answer, artifact events into Artifacts, and every
// event into Events for later chain verification.
func (r *sseStreamReader) ReadAll(ctx context.Context, reader io.Reader) (*StreamOutcome, error) {
	outcome := &StreamOutcome{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
	}

	var answerBuilder strings.Builder

	err := r.Read(ctx, reader, func(event datatypes.StreamEvent) error {
		outcome.TotalEvents++
		outcome.Events = append(outcome.Events, event)

		switch event.Type {
		case datatypes.EventDelta:
			if outcome.FirstDeltaAt == 0 {
				outcome.FirstDeltaAt = time.Now().UnixMilli()
			}
			answerBuilder.WriteString(event.Content)
			outcome.TotalDeltas++

		case datatypes.EventArtifact:
			outcome.Artifacts = append(outcome.Artifacts, Artifact{
				Language: event.Language,
				Content:  event.Content,
			})

		case datatypes.EventCompletion:
			outcome.ThreadID = event.ThreadId
			outcome.CompletedAt = time.Now().UnixMilli()

		case datatypes.EventError:
			outcome.Error = event.Error
			outcome.CompletedAt = time.Now().UnixMilli()
		}

		return nil
	})

	outcome.Answer = answerBuilder.String()

	// A stream may end at EOF without a terminal event
	if outcome.CompletedAt == 0 {
		outcome.CompletedAt = time.Now().UnixMilli()
	}

	return outcome, err
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamReader = (*sseStreamReader)(nil)
