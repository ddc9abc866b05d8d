// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent is one security-relevant occurrence in the gateway.
//
// EventType uses dotted "category.action" names; the gateway emits,
// among others:
//
//	auth.failed            token rejected at the middleware
//	authz.denied           action refused for an authenticated user
//	chat.stream.started    relay session admitted and opened
//	chat.stream.completed  full answer delivered
//	chat.stream.aborted    disconnect, timeout, or upstream failure
//	chat.prompt.blocked    message filter refused the prompt
//	thread.deleted         thread and messages removed
type AuditEvent struct {
	// EventType is the dotted category.action name.
	EventType string

	// Timestamp is when the event happened, UTC. Implementations fill
	// a zero value with time.Now().UTC().
	Timestamp time.Time

	// UserID is the acting principal; "system" for automated actions.
	UserID string

	// Action is the attempted operation, matching AuthzRequest.Action
	// vocabulary where one applies.
	Action string

	// ResourceType and ResourceID name what was acted on.
	ResourceType string
	ResourceID   string

	// Outcome is "success", "failure", "blocked", or "error".
	Outcome string

	// Metadata carries event-specific detail: request ids, providers,
	// durations, error strings. Never raw prompts or responses.
	Metadata map[string]any
}

// AuditLogger records AuditEvents.
//
// Log is called inline on the request path, so implementations must
// return promptly; buffer and batch when the backend is slow. The
// gateway treats Log failures as best-effort and never fails a request
// over one.
type AuditLogger interface {
	// Log records one event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists anything buffered; called at shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards every event, the single-user default.
type NopAuditLogger struct{}

// Log drops the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// Flush has nothing to flush.
func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

var _ AuditLogger = (*NopAuditLogger)(nil)
