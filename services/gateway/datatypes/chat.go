// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the gateway service.
//
// This file contains request and response types for the streaming chat
// endpoints. For the SSE wire envelope, see stream.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxPromptBytes is the maximum size of a single chat prompt.
	// Checked as bytes, not runes, to bound memory on malicious payloads.
	MaxPromptBytes = 50000

	// MaxHistoryMessages is the maximum number of stored messages returned
	// for a thread history read. Requests asking for more are clamped.
	MaxHistoryMessages = 50
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Register custom validator for prompt size
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed MaxPromptBytes.
//
// # Description
//
// Custom validator to enforce prompt size limits. Checks byte length
// (not rune count) to prevent memory exhaustion with large payloads.
//
// # Inputs
//
//   - fl: Validator field level containing the string to validate
//
// # Outputs
//
//   - bool: true if content <= MaxPromptBytes, false otherwise
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxPromptBytes
}

// =============================================================================
// Chat Stream Request Types
// =============================================================================

// ChatStreamRequest represents a streaming chat request body.
//
// # Description
//
// ChatStreamRequest contains the prompt and thread addressing for the
// POST /v1/chat/stream endpoint. The caller's identity never appears in the
// body; it is derived from the authenticated token by the auth middleware.
// Every request carries a unique ID and timestamp for audit trails and
// message correlation.
//
// # Fields
//
//   - Prompt: Required. The user's chat message, 1 byte to 50000 bytes.
//   - ThreadID: Optional. UUID v4 of the conversation thread to continue.
//     Generated server-side when absent (a new conversation).
//   - RequestID: Optional. Unique identifier for this request (UUID v4).
//     Generated server-side when absent. Used for tracing and audit logging.
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC) when the
//     request was created. Generated server-side when absent.
//
// # Validation
//
// Uses go-playground/validator:
//   - Prompt: required, max 50000 bytes
//   - ThreadID: must be valid UUID v4 when present
//   - RequestID: must be valid UUID v4 when present
//
// Call EnsureDefaults before Validate so generated identifiers pass the
// UUID checks.
//
// # Examples
//
//	// New conversation
//	req := ChatStreamRequest{Prompt: "Write a quicksort in Go"}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil { ... }
//
//	// Continuing a thread
//	req := ChatStreamRequest{
//	    Prompt:   "Now make it generic",
//	    ThreadID: "550e8400-e29b-41d4-a716-446655440000",
//	}
//
// # Limitations
//
//   - Prompt content limited to 50000 bytes (larger payloads rejected)
//   - No model selection in the body; the provider is server configuration
//
// # Assumptions
//
//   - Identity comes from the validated token, never from the body
//   - Timestamp is Unix UTC timestamp in milliseconds
type ChatStreamRequest struct {
	Prompt    string `json:"prompt" validate:"required,maxbytes"`
	ThreadID  string `json:"thread_id,omitempty" validate:"omitempty,uuid4"`
	RequestID string `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	Timestamp int64  `json:"timestamp,omitempty" validate:"omitempty,gt=0"`
}

// Validate validates the ChatStreamRequest fields.
//
// # Description
//
// Performs validation using go-playground/validator tags and custom
// validators. This method should be called after binding the JSON request
// and after EnsureDefaults.
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
//
// # Examples
//
//	if err := req.Validate(); err != nil {
//	    return fmt.Errorf("invalid request: %w", err)
//	}
func (r *ChatStreamRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
//
// # Description
//
// Generates RequestID, ThreadID, and Timestamp if not provided by the
// client. A generated ThreadID starts a new conversation; the client learns
// it from the completion event and may pass it back to continue the thread.
//
// # Examples
//
//	req := &ChatStreamRequest{Prompt: "Hello"}
//	req.EnsureDefaults()
//	// req.RequestID, req.ThreadID, and req.Timestamp are now set
func (r *ChatStreamRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.ThreadID == "" {
		r.ThreadID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// =============================================================================
// Conversation Message Types
// =============================================================================

// Message is a single conversation turn passed to the upstream provider.
//
// # Description
//
// Message is the provider-facing shape of a conversation turn: prior turns
// loaded from storage plus the current prompt, in chronological order.
// Persistence records carry additional bookkeeping fields; see the store
// package.
//
// # Fields
//
//   - MessageID: Optional. Unique identifier (UUID v4) for correlation with
//     stored records.
//   - Role: Required. One of "user", "assistant", "system".
//   - Content: Required. The message text.
type Message struct {
	MessageID string `json:"message_id,omitempty" validate:"omitempty,uuid4"`
	Role      string `json:"role" validate:"required,oneof=user assistant system"`
	Content   string `json:"content" validate:"required"`
}

// =============================================================================
// Rate Limit Status Types
// =============================================================================

// ChatStatusResponse reports the caller's rate-limit window state.
//
// # Description
//
// Returned by GET /v1/chat/status so clients can pace themselves instead of
// discovering the limit through 429 responses. Values are a read-only
// snapshot; a concurrent request may consume a slot between the read and
// the caller's next request.
//
// # Fields
//
//   - Limit: Requests admitted per window.
//   - Used: Requests consumed in the active window (includes rejected
//     attempts; rejection consumes the slot it asked for).
//   - Remaining: Limit - Used, floored at zero.
//   - ResetAfterMs: Milliseconds until the active window rotates.
type ChatStatusResponse struct {
	Limit        int64 `json:"limit"`
	Used         int64 `json:"used"`
	Remaining    int64 `json:"remaining"`
	ResetAfterMs int64 `json:"reset_after_ms"`
}

// generateUUID returns a random UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}
