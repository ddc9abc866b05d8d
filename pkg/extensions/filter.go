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
	"errors"
)

// ErrMessageBlocked is the sentinel for a prompt or response the
// filter refused outright, as opposed to one it redacted and passed.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult reports what a filter did to one message. A filter can
// transform (redact and pass through) or block (refuse entirely);
// WasBlocked distinguishes the two, and a blocked result's Filtered
// field must not be used.
type FilterResult struct {
	// Original is the message as received.
	Original string

	// Filtered is the message after transformation; equal to Original
	// when WasModified is false.
	Filtered string

	// WasModified is true when any redaction or rewrite was applied.
	WasModified bool

	// WasBlocked is true when the message was refused. The caller
	// logs the block and returns ErrMessageBlocked to the user
	// without contacting the upstream.
	WasBlocked bool

	// BlockReason is the human-readable refusal reason.
	BlockReason string

	// Detections itemizes what the filter found, for audit metadata.
	Detections []Detection
}

// Detection is one item a filter found in a message.
type Detection struct {
	// Type names the finding: "ssn", "credit_card", "api_key",
	// "prompt_injection".
	Type string

	// Location says where in the message, in whatever form the
	// implementation uses ("offset 45-64").
	Location string

	// Action is what was done: "redacted", "replaced", "blocked",
	// "flagged".
	Action string

	// Replacement is the substituted text when Action is "replaced".
	Replacement string
}

// MessageFilter screens chat content at the gateway's two choke
// points: the prompt before it is dispatched upstream (FilterInput)
// and the assembled answer before it is persisted (FilterOutput).
//
// Returning an error means the filter itself failed; a policy refusal
// is a nil error with WasBlocked set.
type MessageFilter interface {
	// FilterInput screens a user prompt before upstream dispatch.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput screens a model response before persistence.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter passes everything through untouched.
type NopMessageFilter struct{}

// FilterInput returns the prompt unchanged.
func (f *NopMessageFilter) FilterInput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

// FilterOutput returns the response unchanged.
func (f *NopMessageFilter) FilterOutput(_ context.Context, message string) (*FilterResult, error) {
	return &FilterResult{Original: message, Filtered: message}, nil
}

var _ MessageFilter = (*NopMessageFilter)(nil)
