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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/relaygate/pkg/validation"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
	"github.com/AleutianAI/relaygate/services/gateway/middleware"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/store"
)

// ListThreads handles GET /v1/threads. Threads are scoped to the
// authenticated identity, most recently active first.
func ListThreads(messages store.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.Identity(c)

		threads, err := messages.Threads(c.Request.Context(), identity)
		if err != nil {
			slog.Error("Failed to list threads", "identity", identity, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
			return
		}
		if threads == nil {
			threads = []store.ThreadSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"threads": threads})
	}
}

// ThreadHistory handles GET /v1/threads/:threadId/history. The optional
// limit query parameter caps the number of returned messages; requests
// beyond the store maximum are clamped, never rejected. The thread id is
// shape-checked before any store access because it becomes part of a
// composite storage key.
func ThreadHistory(messages store.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.Identity(c)
		threadID := c.Param("threadId")
		if err := validation.ValidateThreadID(threadID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		history, err := messages.History(c.Request.Context(), identity, threadID, limit)
		if err != nil {
			slog.Error("Failed to load thread history",
				"identity", identity,
				"threadId", threadID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		if history == nil {
			history = []store.Message{}
		}
		c.JSON(http.StatusOK, gin.H{
			"thread_id": threadID,
			"messages":  history,
		})
	}
}

// DeleteThread handles DELETE /v1/threads/:threadId. Deleting another
// identity's thread is indistinguishable from deleting a thread that
// never existed: both return 404.
func DeleteThread(messages store.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.Identity(c)
		threadID := c.Param("threadId")
		if err := validation.ValidateThreadID(threadID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
			return
		}
		slog.Info("Received request to delete thread", "identity", identity, "threadId", threadID)

		err := messages.DeleteThread(c.Request.Context(), identity, threadID)
		if err != nil {
			if errors.Is(err, store.ErrThreadNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
				return
			}
			slog.Error("Failed to delete thread",
				"identity", identity,
				"threadId", threadID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete thread"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_thread_id": threadID})
	}
}

// ChatStatus handles GET /v1/chat/status: a read-only snapshot of the
// caller's rate-limit window so clients can pace themselves instead of
// discovering the limit through 429 responses.
func ChatStatus(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := middleware.Identity(c)

		window, err := limiter.Status(c.Request.Context(), identity)
		if err != nil {
			slog.Error("Failed to read rate limit status", "identity", identity, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			return
		}

		resp := datatypes.ChatStatusResponse{
			Limit: limiter.Limit(),
			Used:  window.Count,
		}
		if remaining := resp.Limit - resp.Used; remaining > 0 {
			resp.Remaining = remaining
		}
		if !window.WindowStart.IsZero() {
			resetAt := window.WindowStart.Add(limiter.WindowDuration())
			if until := time.Until(resetAt); until > 0 {
				resp.ResetAfterMs = until.Milliseconds()
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
