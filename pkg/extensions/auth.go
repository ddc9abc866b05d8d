// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is the sentinel for failed authentication or a
// denied authorization check. Implementations wrap it so callers can
// map any auth failure to a 401/403 with errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity a provider resolved from a token. UserID is
// the rate-limit partition key and the owner recorded on persisted
// rows, so it must be stable across requests for the same principal.
type AuthInfo struct {
	// UserID uniquely names the principal. Never empty on a
	// successful Validate.
	UserID string

	// Email may be empty when the identity provider withholds it.
	Email string

	// Roles carries group/role claims for authorization decisions.
	Roles []string

	// Metadata holds the provider-specific claims that don't fit the
	// fields above (session id, MFA level, tenant).
	Metadata Metadata
}

// HasRole reports whether the identity carries the given role claim.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider resolves a bearer token to an identity.
//
// Validate returns ErrUnauthorized (wrapped) for a token that is
// present but invalid; other errors mean the provider itself failed
// and the request should be treated as a 5xx, not a 401.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest is one (subject, action, resource) authorization check.
type AuthzRequest struct {
	// User is the authenticated identity from AuthProvider.Validate.
	User *AuthInfo

	// Action is the operation: "create", "read", "stream", "delete".
	Action string

	// ResourceType is the resource category: "thread", "message".
	ResourceType string

	// ResourceID narrows the check to one instance; empty means the
	// type in general. For threads this is the thread UUID.
	ResourceID string
}

// AuthzProvider decides authorization checks. A denial is
// ErrUnauthorized (wrapped); nil means allowed.
type AuthzProvider interface {
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider resolves every token, including the empty one, to a
// fixed admin identity. It exists so a single-user gateway needs no
// identity provider at all; anything multi-user must use
// JWTAuthProvider instead.
type NopAuthProvider struct{}

// Validate ignores the token and returns the local admin identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always permits the request.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
