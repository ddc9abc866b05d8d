// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/relaygate/pkg/extensions"
	"github.com/AleutianAI/relaygate/services/gateway/handlers"
	"github.com/AleutianAI/relaygate/services/gateway/middleware"
	"github.com/AleutianAI/relaygate/services/gateway/observability"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/store"
)

// SetupRoutes registers all gateway endpoints on the router. Everything
// under /v1 runs through the auth middleware so the quota identity is
// resolved before any handler executes. Panics on nil dependencies; route
// registration with missing pieces is a wiring bug, not a runtime
// condition.
func SetupRoutes(router *gin.Engine, chat handlers.ChatStreamingHandler, limiter *ratelimit.Limiter,
	messages store.MessageStore, opts extensions.ServiceOptions) {

	if chat == nil {
		panic("SetupRoutes: chat handler must not be nil")
	}
	if limiter == nil {
		panic("SetupRoutes: limiter must not be nil")
	}
	if messages == nil {
		panic("SetupRoutes: messages must not be nil")
	}

	router.GET("/health", handlers.HealthCheck)

	// Prometheus scrape endpoint. The handler is resolved per request
	// because telemetry init decides whether the exporter exists at all.
	router.GET("/metrics", func(c *gin.Context) {
		h := observability.MetricsHandler()
		if h == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "metrics exporter not enabled"})
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		v1.POST("/chat/stream", chat.HandleChatStream)
		v1.GET("/chat/ws", chat.HandleChatSocket)
		v1.GET("/chat/status", handlers.ChatStatus(limiter))
		// Thread administration routes
		threads := v1.Group("/threads")
		{
			threads.GET("", handlers.ListThreads(messages))
			threads.GET("/:threadId/history", handlers.ThreadHistory(messages))
			threads.DELETE("/:threadId", handlers.DeleteThread(messages))
		}
	}
}
