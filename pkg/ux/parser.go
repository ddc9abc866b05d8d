// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the parser for the gateway's SSE stream format.
// Parsers only parse. They do not perform I/O, rendering, or state
// management, which keeps them trivially testable.

package ux

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// =============================================================================
// SSE Parser Interface
// =============================================================================

// SSEParser parses Server-Sent Events lines into gateway StreamEvent structs.
//
// # Description
//
//	The gateway frames every event as:
//
//	    event: <type>\n
//	    data: <json>\n
//	    \n
//
//	and sends ": ping" comment lines as keepalives. The JSON payload is the
//	authoritative record: it carries the event type, the content, and the
//	hash chain fields (id, created_at, prev_hash, hash). The parser returns
//	the payload exactly as the server produced it. Nothing is regenerated
//	client side, because the hash chain covers the server-assigned id and
//	timestamp and any local substitution would break verification.
//
// # Thread Safety
//
//	Implementations must be safe for concurrent use. The default
//	implementation is stateless and inherently thread-safe.
type SSEParser interface {
	// ParseLine parses a single line of SSE input.
	//
	// Returns:
	//   - *datatypes.StreamEvent: The parsed event, or nil for framing lines
	//     (empty lines, ": " comments, "event:" type lines)
	//   - error: Non-nil if a data payload is malformed or a line does not
	//     belong to the SSE protocol at all
	ParseLine(line string) (*datatypes.StreamEvent, error)

	// ParseRawJSON parses a raw JSON payload into a StreamEvent.
	//
	// Use this when you have JSON without the "data: " prefix. All fields,
	// including the chain fields, are taken verbatim from the payload.
	ParseRawJSON(jsonData []byte) (*datatypes.StreamEvent, error)
}

// =============================================================================
// SSE Parser Implementation
// =============================================================================

// sseParser implements SSEParser for the gateway stream format.
//
// This implementation is stateless and safe for concurrent use.
type sseParser struct{}

// NewSSEParser creates a new SSE parser.
//
// The returned parser is stateless and can be safely shared across goroutines.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

// ParseLine parses a single SSE line.
//
// Handles the following line types:
//   - Empty: Returns nil (event boundary)
//   - Comment (starts with ":"): Returns nil (keepalive, outside the chain)
//   - Type line (starts with "event:"): Returns nil (type travels in the JSON)
//   - Data (starts with "data:"): Parses JSON after the prefix
//   - Anything else: Returns an error
//
// Bare non-protocol lines are rejected rather than wrapped into synthetic
// events. A fabricated event would carry no valid hash and would surface as
// chain tampering, which is the wrong diagnosis for a transport glitch.
func (p *sseParser) ParseLine(line string) (*datatypes.StreamEvent, error) {
	line = strings.TrimSpace(line)

	// Empty lines are event delimiters
	if line == "" {
		return nil, nil
	}

	// Comments start with ":"
	if strings.HasPrefix(line, ":") {
		return nil, nil
	}

	// The event type is repeated inside the JSON payload
	if strings.HasPrefix(line, "event:") {
		return nil, nil
	}

	if strings.HasPrefix(line, "data:") {
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			return nil, nil
		}
		return p.ParseRawJSON([]byte(payload))
	}

	return nil, fmt.Errorf("unexpected stream line: %q", truncate(line, 64))
}

// ParseRawJSON parses a JSON payload into a StreamEvent.
//
// Example payloads:
//
//	{"id":"...","type":"delta","created_at":1712345678901,"prev_hash":"...","hash":"...","content":"Hello"}
//	{"id":"...","type":"completion","created_at":1712345678955,"prev_hash":"...","hash":"...","thread_id":"..."}
func (p *sseParser) ParseRawJSON(jsonData []byte) (*datatypes.StreamEvent, error) {
	var event datatypes.StreamEvent
	if err := json.Unmarshal(jsonData, &event); err != nil {
		return nil, fmt.Errorf("malformed stream event: %w", err)
	}
	return &event, nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEParser = (*sseParser)(nil)
