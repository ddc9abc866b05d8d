// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"
)

// HTTPHeaders is a flat header map for audit capture. Multi-valued
// headers keep only the value the handler chose to record.
type HTTPHeaders map[string]string

// Get returns the header value; keys are case-sensitive here.
func (h HTTPHeaders) Get(key string) string {
	return h[key]
}

// Set stores a header value.
func (h HTTPHeaders) Set(key, value string) {
	h[key] = value
}

// AuditableRequest is the raw inbound request handed to a
// RequestAuditor at the start of processing. The auditor owns hashing,
// encryption, and storage of the body; the gateway only assembles the
// struct. Handlers must redact the Authorization header before
// capture.
type AuditableRequest struct {
	// Method and Path identify the endpoint.
	Method string
	Path   string

	// Headers are the request headers, sensitive values redacted.
	Headers HTTPHeaders

	// Body is the raw request payload.
	Body []byte

	// UserID is the authenticated principal.
	UserID string

	// ThreadID is the conversation, when the endpoint has one.
	ThreadID string

	// RequestID correlates the capture with logs and traces.
	RequestID string

	// Timestamp is receipt time, UTC.
	Timestamp time.Time
}

// AuditableResponse closes out a capture. For streaming endpoints the
// handler accumulates every delivered chunk and captures once, after
// the stream ends, so the recorded body equals what the caller
// actually received, partial streams included.
type AuditableResponse struct {
	// StatusCode is the HTTP status sent.
	StatusCode int

	// Headers are the response headers.
	Headers HTTPHeaders

	// Body is the full response payload; for SSE, the concatenation
	// of delivered chunks.
	Body []byte

	// Timestamp is completion time, UTC.
	Timestamp time.Time
}

// RequestAuditor captures raw request/response pairs for compliance
// storage. CaptureRequest returns an opaque id that links the eventual
// CaptureResponse to its request; the pair forms one audit record.
//
// Capture failures must not fail the request: handlers log them and
// continue. Implementations must be safe for concurrent use.
//
// The SSE transport's per-stream event hash chain is separate from
// this interface; RequestAuditor is about what crossed the gateway's
// outer boundary, not stream integrity.
type RequestAuditor interface {
	// CaptureRequest records the inbound request and returns the id
	// to pass to CaptureResponse.
	CaptureRequest(ctx context.Context, req *AuditableRequest) (auditID string, err error)

	// CaptureResponse records the outcome under the id from
	// CaptureRequest.
	CaptureResponse(ctx context.Context, auditID string, resp *AuditableResponse) error
}

// NopRequestAuditor discards all captures, the single-user default.
type NopRequestAuditor struct{}

// CaptureRequest accepts and discards; the empty id marks "untracked".
func (a *NopRequestAuditor) CaptureRequest(_ context.Context, _ *AuditableRequest) (string, error) {
	return "", nil
}

// CaptureResponse accepts and discards.
func (a *NopRequestAuditor) CaptureResponse(_ context.Context, _ string, _ *AuditableResponse) error {
	return nil
}

var _ RequestAuditor = (*NopRequestAuditor)(nil)
