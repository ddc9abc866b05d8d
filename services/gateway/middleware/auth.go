// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the gateway's HTTP middleware.
//
// The auth middleware pulls a bearer token out of the Authorization
// header, validates it through the configured AuthProvider, and
// stores the resulting AuthInfo on the Gin context. The authenticated
// user ID doubles as the quota identity: every rate limit reservation
// and persisted message is keyed by it.
//
// With the default NopAuthProvider every request authenticates as
// "local-user" with admin rights, so the CLI works without any auth
// infrastructure and all local callers share one rate window.
// Deployments that need per-caller identity plug in a real provider,
// such as the JWT provider in pkg/extensions.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/relaygate/pkg/extensions"
)

// authInfoKey keys the AuthInfo on the Gin context.
const authInfoKey = "relaygate_auth_info"

// anonymousIdentity is the quota bucket for requests that carry no
// usable identity.
const anonymousIdentity = "anonymous"

// SetAuthInfo stores the authenticated caller on the request context.
// AuthMiddleware calls this after validation succeeds.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil when the
// request never passed through AuthMiddleware.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(authInfoKey)
	if !ok {
		return nil
	}
	info, ok := v.(*extensions.AuthInfo)
	if !ok {
		return nil
	}
	return info
}

// Identity returns the string the current request is charged to: the
// authenticated user ID, or "anonymous" when there is none. Handlers
// that tolerate missing auth still charge a consistent bucket.
func Identity(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil && info.UserID != "" {
		return info.UserID
	}
	return anonymousIdentity
}

// AuthMiddleware authenticates every request through provider and
// stores the result for downstream handlers. A missing or malformed
// Authorization header validates as the empty token, which the nop
// provider accepts and real providers reject.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := provider.Validate(c.Request.Context(), bearerToken(c))
		if err != nil {
			msg := "authentication failed"
			if errors.Is(err, extensions.ErrUnauthorized) {
				msg = "unauthorized"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		SetAuthInfo(c, info)
		c.Next()
	}
}

// bearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is absent or uses another scheme. The scheme
// comparison is case-insensitive per RFC 7235.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
