// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relaygate/pkg/extensions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubAuthProvider returns a fixed result for every Validate call.
type stubAuthProvider struct {
	info *extensions.AuthInfo
	err  error
}

func (s *stubAuthProvider) Validate(context.Context, string) (*extensions.AuthInfo, error) {
	return s.info, s.err
}

func contextWithAuthHeader(header string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		c.Request.Header.Set("Authorization", header)
	}
	return c
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"valid token", "Bearer abc123", "abc123"},
		{"missing header", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty token", "Bearer ", ""},
		{"scheme only", "Bearer", ""},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"uppercase scheme", "BEARER abc123", "abc123"},
		{"mixed case scheme", "BeArEr abc123", "abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, bearerToken(contextWithAuthHeader(tc.header)))
		})
	}
}

func authTestRouter(provider extensions.AuthProvider, handler gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/test", handler)
	return router
}

func TestAuthMiddlewareStoresCaller(t *testing.T) {
	provider := &stubAuthProvider{info: &extensions.AuthInfo{
		UserID: "user-123",
		Email:  "user@example.com",
		Roles:  []string{"admin"},
	}}

	router := authTestRouter(provider, func(c *gin.Context) {
		info := GetAuthInfo(c)
		require.NotNil(t, info)
		assert.Equal(t, "user-123", info.UserID)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRejections(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"invalid token", extensions.ErrUnauthorized, "unauthorized"},
		{"provider failure", errors.New("network error"), "authentication failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			router := authTestRouter(&stubAuthProvider{err: tc.err}, func(c *gin.Context) {
				reached = true
			})

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", "Bearer some-token")
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantMsg)
			assert.False(t, reached, "handler must not run after auth rejection")
		})
	}
}

func TestAuthMiddlewareNopProvider(t *testing.T) {
	// The nop provider accepts requests with no Authorization header
	// and identifies them all as local-user.
	router := authTestRouter(&extensions.NopAuthProvider{}, func(c *gin.Context) {
		info := GetAuthInfo(c)
		require.NotNil(t, info)
		assert.Equal(t, "local-user", info.UserID)
		assert.Contains(t, info.Roles, "admin")
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthInfoRoundTrip(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	want := &extensions.AuthInfo{
		UserID: "test-user",
		Email:  "test@example.com",
		Roles:  []string{"viewer"},
	}
	SetAuthInfo(c, want)

	got := GetAuthInfo(c)
	require.NotNil(t, got)
	assert.Equal(t, want, got)
}

func TestGetAuthInfoAbsentOrWrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))

	c.Set(authInfoKey, "not an AuthInfo")
	assert.Nil(t, GetAuthInfo(c))
}

func TestIdentity(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	SetAuthInfo(c, &extensions.AuthInfo{UserID: "user-42"})
	assert.Equal(t, "user-42", Identity(c))

	// Missing or empty identities all charge the anonymous bucket.
	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, "anonymous", Identity(c))

	SetAuthInfo(c, &extensions.AuthInfo{})
	assert.Equal(t, "anonymous", Identity(c))
}
