// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions holds the gateway's pluggable policy seams:
// authentication, authorization, audit logging, prompt/response
// filtering, data classification, and raw request capture.
//
// The gateway core calls these interfaces at fixed points in the
// streaming pipeline and never hard-codes a policy. Out of the box
// every seam is a no-op, which is the right posture for a single-user
// deployment: no auth infrastructure, nothing blocked, nothing
// recorded. Multi-user deployments swap in JWTAuthProvider (jwt.go)
// and whatever audit or filtering backends they run.
//
// Seam placement in the stream pipeline:
//
//	token --> AuthProvider.Validate
//	request --> AuthzProvider.Authorize --> RequestAuditor.CaptureRequest
//	prompt --> MessageFilter.FilterInput --> DataClassifier.Classify
//	... relay streams ...
//	transcript --> RequestAuditor.CaptureResponse
//	everything --> AuditLogger.Log
//
// All implementations must tolerate concurrent calls; a gateway runs
// one session per inbound request and shares the ServiceOptions value
// across all of them.
package extensions

// ServiceOptions carries one implementation per seam. Handlers receive
// it by value at construction and read it for the process lifetime;
// fields are never swapped after startup.
type ServiceOptions struct {
	// AuthProvider turns a bearer token into an identity.
	AuthProvider AuthProvider

	// AuthzProvider decides whether that identity may perform an
	// action on a resource.
	AuthzProvider AuthzProvider

	// AuditLogger receives security-relevant events.
	AuditLogger AuditLogger

	// MessageFilter screens prompts before dispatch and responses
	// before persistence.
	MessageFilter MessageFilter

	// RequestAuditor captures raw request/response pairs.
	RequestAuditor RequestAuditor

	// DataClassifier scans prompts for sensitive content before they
	// leave for an external provider.
	DataClassifier DataClassifier
}

// DefaultOptions returns a ServiceOptions with every seam set to its
// no-op implementation: all requests allowed, nothing filtered,
// nothing recorded.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:   &NopAuthProvider{},
		AuthzProvider:  &NopAuthzProvider{},
		AuditLogger:    &NopAuditLogger{},
		MessageFilter:  &NopMessageFilter{},
		RequestAuditor: &NopRequestAuditor{},
		DataClassifier: &NopDataClassifier{},
	}
}

// Normalize fills any nil seam with its no-op default, so handlers can
// call through ServiceOptions fields without nil checks.
func (opts ServiceOptions) Normalize() ServiceOptions {
	defaults := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = defaults.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = defaults.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	if opts.MessageFilter == nil {
		opts.MessageFilter = defaults.MessageFilter
	}
	if opts.RequestAuditor == nil {
		opts.RequestAuditor = defaults.RequestAuditor
	}
	if opts.DataClassifier == nil {
		opts.DataClassifier = defaults.DataClassifier
	}
	return opts
}

// WithAuth returns a copy of opts using the given AuthProvider. This
// is the common single substitution, a JWT provider over defaults.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}
