// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for upstream failure classification. Providers wrap these
// with detail; callers classify with errors.Is (or IsTransient/IsTerminal).
var (
	// ErrUpstreamAuth means the provider rejected our credentials. Fail fast,
	// never retried.
	ErrUpstreamAuth = errors.New("upstream authentication failed")

	// ErrUpstreamRequest means the provider rejected the request as malformed.
	// Fail fast, never retried.
	ErrUpstreamRequest = errors.New("upstream rejected request")

	// ErrUpstreamQuota means the provider's own rate or usage limit tripped.
	// Terminal for this request.
	ErrUpstreamQuota = errors.New("upstream quota exhausted")

	// ErrContentPolicy means the provider refused the content itself.
	// Terminal for this request.
	ErrContentPolicy = errors.New("upstream content policy rejection")

	// ErrUpstreamTransient covers network blips and provider 5xx responses.
	// Eligible for one bounded retry by reopening a fresh call.
	ErrUpstreamTransient = errors.New("transient upstream failure")

	// ErrStreamClosed is returned by Next after Close has released the stream.
	ErrStreamClosed = errors.New("stream closed")
)

// IsTransient reports whether err warrants reopening a fresh upstream call.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamTransient)
}

// IsTerminal reports whether err must be surfaced immediately with no retry.
// Context cancellation and deadline expiry are not upstream failures and are
// classified by neither predicate.
func IsTerminal(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrUpstreamAuth) ||
		errors.Is(err, ErrUpstreamRequest) ||
		errors.Is(err, ErrUpstreamQuota) ||
		errors.Is(err, ErrContentPolicy)
}

// classifyHTTPStatus maps a provider HTTP status to the matching sentinel.
// Unrecognized statuses classify as transient.
func classifyHTTPStatus(status int, detail string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("upstream status %d: %s: %w", status, detail, ErrUpstreamAuth)
	case status == http.StatusBadRequest || status == http.StatusNotFound ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("upstream status %d: %s: %w", status, detail, ErrUpstreamRequest)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("upstream status %d: %s: %w", status, detail, ErrUpstreamQuota)
	default:
		return fmt.Errorf("upstream status %d: %s: %w", status, detail, ErrUpstreamTransient)
	}
}
