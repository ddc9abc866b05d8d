// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/store"
)

// threadsRouter mounts the thread endpoints over the given store.
func threadsRouter(messages store.MessageStore) *gin.Engine {
	router := gin.New()
	router.GET("/v1/threads", ListThreads(messages))
	router.GET("/v1/threads/:threadId/history", ThreadHistory(messages))
	router.DELETE("/v1/threads/:threadId", DeleteThread(messages))
	return router
}

// seedThread saves alternating user/assistant turns spaced one second
// apart so ordering assertions are unambiguous.
func seedThread(t *testing.T, messages store.MessageStore, identity, threadID string, turns int) {
	t.Helper()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < turns; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, messages.SaveMessage(context.Background(), &store.Message{
			ThreadID:  threadID,
			Identity:  identity,
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// ListThreads Tests
// =============================================================================

func TestListThreads_EmptyIsNotNull(t *testing.T) {
	router := threadsRouter(store.NewMemoryMessageStore())

	w := doRequest(t, router, http.MethodGet, "/v1/threads")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"threads":[]}`, w.Body.String())
}

func TestListThreads_MostRecentFirst(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "anonymous", "thread-old", 2)

	// The second thread's turns are newer by construction.
	require.NoError(t, messages.SaveMessage(context.Background(), &store.Message{
		ThreadID: "thread-new",
		Identity: "anonymous",
		Role:     "user",
		Content:  "latest question",
	}))

	w := doRequest(t, threadsRouter(messages), http.MethodGet, "/v1/threads")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Threads []store.ThreadSummary `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Threads, 2)
	assert.Equal(t, "thread-new", body.Threads[0].ThreadID)
	assert.Equal(t, "latest question", body.Threads[0].Title)
	assert.Equal(t, int64(1), body.Threads[0].MessageCount)
	assert.Equal(t, "thread-old", body.Threads[1].ThreadID)
	assert.Equal(t, int64(2), body.Threads[1].MessageCount)
}

func TestListThreads_ScopedToIdentity(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "bob", "bobs-thread", 2)

	// Requests without auth middleware run as "anonymous" and must not
	// see bob's threads.
	w := doRequest(t, threadsRouter(messages), http.MethodGet, "/v1/threads")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"threads":[]}`, w.Body.String())
}

// =============================================================================
// ThreadHistory Tests
// =============================================================================

func TestThreadHistory_ChronologicalOrder(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "anonymous", "thread-1", 4)

	w := doRequest(t, threadsRouter(messages), http.MethodGet, "/v1/threads/thread-1/history")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ThreadID string          `json:"thread_id"`
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "thread-1", body.ThreadID)
	require.Len(t, body.Messages, 4)
	for i, msg := range body.Messages {
		assert.Equal(t, fmt.Sprintf("turn %d", i), msg.Content)
	}
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "assistant", body.Messages[1].Role)
}

func TestThreadHistory_LimitReturnsMostRecent(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "anonymous", "thread-1", 6)

	w := doRequest(t, threadsRouter(messages), http.MethodGet, "/v1/threads/thread-1/history?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "turn 4", body.Messages[0].Content)
	assert.Equal(t, "turn 5", body.Messages[1].Content)
}

func TestThreadHistory_InvalidLimit(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "zero", query: "limit=0"},
		{name: "negative", query: "limit=-3"},
		{name: "not a number", query: "limit=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := threadsRouter(store.NewMemoryMessageStore())

			w := doRequest(t, router, http.MethodGet, "/v1/threads/thread-1/history?"+tt.query)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "limit must be a positive integer")
		})
	}
}

func TestThreadHistory_OversizedLimitClamped(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "anonymous", "thread-1", 3)

	// Requests beyond the store maximum are clamped, never rejected.
	w := doRequest(t, threadsRouter(messages), http.MethodGet, "/v1/threads/thread-1/history?limit=100000")

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Messages, 3)
}

func TestThreadHistory_UnknownThreadIsEmpty(t *testing.T) {
	router := threadsRouter(store.NewMemoryMessageStore())

	w := doRequest(t, router, http.MethodGet, "/v1/threads/nope/history")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"thread_id":"nope","messages":[]}`, w.Body.String())
}

func TestThreadHistory_MalformedThreadID(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "key separator", path: "/v1/threads/msg:forged/history"},
		{name: "embedded space", path: "/v1/threads/thread%201/history"},
		{name: "too long", path: "/v1/threads/" + strings.Repeat("a", 65) + "/history"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := threadsRouter(store.NewMemoryMessageStore())

			w := doRequest(t, router, http.MethodGet, tt.path)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "invalid thread id")
		})
	}
}

// =============================================================================
// DeleteThread Tests
// =============================================================================

func TestDeleteThread_RemovesThread(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "anonymous", "thread-1", 2)
	router := threadsRouter(messages)

	w := doRequest(t, router, http.MethodDelete, "/v1/threads/thread-1")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "thread-1", body["deleted_thread_id"])

	listed := doRequest(t, router, http.MethodGet, "/v1/threads")
	assert.JSONEq(t, `{"threads":[]}`, listed.Body.String())
}

func TestDeleteThread_NotFound(t *testing.T) {
	router := threadsRouter(store.NewMemoryMessageStore())

	w := doRequest(t, router, http.MethodDelete, "/v1/threads/missing")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "thread not found")
}

func TestDeleteThread_MalformedThreadID(t *testing.T) {
	router := threadsRouter(store.NewMemoryMessageStore())

	w := doRequest(t, router, http.MethodDelete, "/v1/threads/msg:forged")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid thread id")
}

func TestDeleteThread_OtherIdentityLooksMissing(t *testing.T) {
	messages := store.NewMemoryMessageStore()
	seedThread(t, messages, "bob", "bobs-thread", 2)

	// The anonymous caller cannot tell bob's thread apart from one that
	// never existed, and must not be able to remove it.
	w := doRequest(t, threadsRouter(messages), http.MethodDelete, "/v1/threads/bobs-thread")

	assert.Equal(t, http.StatusNotFound, w.Code)

	remaining, err := messages.Threads(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "bob's thread must survive")
}

// =============================================================================
// ChatStatus Tests
// =============================================================================

func statusRouter(t *testing.T, limit int64) (*gin.Engine, *ratelimit.Limiter) {
	t.Helper()

	quota, err := ratelimit.NewMemoryQuotaStore(time.Minute)
	require.NoError(t, err)
	limiter, err := ratelimit.NewLimiter(quota, limit, time.Minute)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/v1/chat/status", ChatStatus(limiter))
	return router, limiter
}

func TestChatStatus_FreshIdentity(t *testing.T) {
	router, _ := statusRouter(t, 10)

	w := doRequest(t, router, http.MethodGet, "/v1/chat/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ChatStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.Limit)
	assert.Equal(t, int64(0), resp.Used)
	assert.Equal(t, int64(10), resp.Remaining)
	assert.Equal(t, int64(0), resp.ResetAfterMs, "no active window means no reset countdown")
}

func TestChatStatus_ReflectsConsumption(t *testing.T) {
	router, limiter := statusRouter(t, 5)

	for i := 0; i < 2; i++ {
		_, err := limiter.TryAcquire(context.Background(), "anonymous")
		require.NoError(t, err)
	}

	w := doRequest(t, router, http.MethodGet, "/v1/chat/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ChatStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Limit)
	assert.Equal(t, int64(2), resp.Used)
	assert.Equal(t, int64(3), resp.Remaining)
	assert.Greater(t, resp.ResetAfterMs, int64(0))
	assert.LessOrEqual(t, resp.ResetAfterMs, time.Minute.Milliseconds())
}

func TestChatStatus_ExhaustedWindow(t *testing.T) {
	router, limiter := statusRouter(t, 1)

	_, err := limiter.TryAcquire(context.Background(), "anonymous")
	require.NoError(t, err)

	w := doRequest(t, router, http.MethodGet, "/v1/chat/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ChatStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Used)
	assert.Equal(t, int64(0), resp.Remaining, "remaining never goes negative")
}
