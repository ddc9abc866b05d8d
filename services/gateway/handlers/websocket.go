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
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/relaygate/pkg/extensions"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
	"github.com/AleutianAI/relaygate/services/gateway/middleware"
	"github.com/AleutianAI/relaygate/services/gateway/observability"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
)

// writeWait bounds a single WebSocket write, including pings.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// Prompts are capped at 50KB; 64KB covers the frame overhead.
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// =============================================================================
// WebSocket Event Writer
// =============================================================================

// wsEventWriter implements EventWriter over a WebSocket connection.
//
// Each chat exchange gets its own writer and therefore its own hash
// chain, mirroring the SSE transport where one request is one chain.
// Keep-alives are WebSocket ping control frames, outside the chain.
// The mutex serializes frames; gorilla connections allow only one
// concurrent writer.
type wsEventWriter struct {
	conn     *websocket.Conn
	prevHash string
	mu       *sync.Mutex
}

var _ EventWriter = (*wsEventWriter)(nil)

// newWSEventWriter creates an EventWriter over an established
// connection. The mutex is shared across writers on the same
// connection so frames from consecutive exchanges cannot interleave.
func newWSEventWriter(conn *websocket.Conn, mu *sync.Mutex) *wsEventWriter {
	return &wsEventWriter{conn: conn, mu: mu}
}

func (w *wsEventWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(event); err != nil {
		return err
	}
	return nil
}

func (w *wsEventWriter) WriteStatus(message string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventStatus).WithMessage(message))
}

func (w *wsEventWriter) WriteDelta(content string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventDelta).WithContent(content))
}

func (w *wsEventWriter) WriteArtifact(language, content string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventArtifact).
		WithLanguage(language).
		WithContent(content))
}

func (w *wsEventWriter) WriteCompletion(threadId string, hasArtifact bool) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventCompletion).
		WithThreadId(threadId).
		WithArtifactFlag(hasArtifact))
}

func (w *wsEventWriter) WriteError(errMsg string) error {
	return w.WriteEvent(*datatypes.NewStreamEvent(datatypes.EventError).WithError(errMsg))
}

// WriteKeepAlive sends a ping control frame. Pings are transport-level
// and do not advance the hash chain.
func (w *wsEventWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// sendJSON writes a plain (non-chained) JSON frame, used for responses
// that exist outside any event chain, like rate limit rejections.
func sendJSON(conn *websocket.Conn, mu *sync.Mutex, v interface{}) error {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
		return err
	}
	return nil
}

// =============================================================================
// WebSocket Chat Handler
// =============================================================================

// HandleChatSocket processes chat requests over a WebSocket connection.
//
// # Description
//
// Handles GET /v1/chat/ws. After the upgrade, the client sends one JSON
// request frame per exchange (same shape as the SSE request body) and
// receives the same event envelope the SSE endpoint emits: status,
// delta, artifact, completion, error. The connection stays open across
// exchanges; each exchange runs the full relay lifecycle, including
// admission, so a rate-limited frame is answered with a plain error
// frame carrying retry_after_ms while the connection survives.
//
// # Limitations
//
//   - One exchange at a time per connection; frames sent while a stream
//     is active are read only after it finishes
func (h *chatStreamingHandler) HandleChatSocket(c *gin.Context) {
	identity := middleware.Identity(c)
	authInfo := middleware.GetAuthInfo(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket", "error", err)
		return
	}
	defer conn.Close()
	slog.Info("WebSocket client connected", "identity", identity)

	// One write mutex for the whole connection; per-exchange writers
	// share it so frames never interleave.
	var writeMu sync.Mutex

	for {
		var req datatypes.ChatStreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			slog.Info("WebSocket client disconnected", "identity", identity, "error", err.Error())
			return
		}

		h.runSocketExchange(c.Request.Context(), conn, &writeMu, identity, authInfo, &req)
	}
}

// runSocketExchange executes one chat exchange over the connection.
func (h *chatStreamingHandler) runSocketExchange(
	ctx context.Context,
	conn *websocket.Conn,
	writeMu *sync.Mutex,
	identity string,
	authInfo *extensions.AuthInfo,
	req *datatypes.ChatStreamRequest,
) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(ctx, "HandleChatSocket.exchange")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}

	outcome := observability.OutcomeError
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(outcome)
			m.RecordStreamDuration(outcome, time.Since(startTime).Seconds())
		}
	}()

	// Step 1: Validate the frame.
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		_ = sendJSON(conn, writeMu, gin.H{
			"type":  datatypes.EventError,
			"error": "invalid request: validation failed",
		})
		return
	}

	// Step 2: Authorization, same policy as the SSE endpoint.
	if err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         authInfo,
		Action:       "stream",
		ResourceType: "chat",
		ResourceID:   req.ThreadID,
	}); err != nil {
		span.SetStatus(codes.Error, "authorization denied")
		_ = sendJSON(conn, writeMu, gin.H{
			"type":  datatypes.EventError,
			"error": "access denied",
		})
		return
	}

	// Step 3: Filter the prompt.
	filterResult, err := h.opts.MessageFilter.FilterInput(ctx, req.Prompt)
	if err != nil {
		slog.Error("Message filter failed", "error", err, "requestId", req.RequestID)
		_ = sendJSON(conn, writeMu, gin.H{
			"type":  datatypes.EventError,
			"error": "message processing failed",
		})
		return
	}
	if filterResult.WasBlocked {
		_ = sendJSON(conn, writeMu, gin.H{
			"type":   datatypes.EventError,
			"error":  "message blocked by content filter",
			"reason": filterResult.BlockReason,
		})
		return
	}
	prompt := filterResult.Filtered

	// Step 4: Run the relay; delivery commits on the first status frame.
	history := h.loadHistory(ctx, identity, req.ThreadID)

	var writer EventWriter
	var heartbeatDone chan struct{}

	sess := RelaySession{
		Identity: identity,
		ThreadID: req.ThreadID,
		Prompt:   prompt,
		History:  history,
		BeginDelivery: func(streamCtx context.Context) (EventWriter, error) {
			h.saveUserMessage(context.WithoutCancel(streamCtx), identity, req.ThreadID, prompt)

			w := newWSEventWriter(conn, writeMu)
			if err := w.WriteStatus("Generating response..."); err != nil {
				return nil, err
			}
			writer = w
			heartbeatDone = make(chan struct{})
			go h.runHeartbeat(streamCtx, w, heartbeatDone)
			return w, nil
		},
	}

	result := h.relay.Run(ctx, sess)
	if heartbeatDone != nil {
		close(heartbeatDone)
	}

	// Step 5: Terminal frames.
	if rle, ok := result.RateLimited(); ok {
		outcome = observability.OutcomeRejected
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRateLimited()
		}
		_ = sendJSON(conn, writeMu, gin.H{
			"type":           datatypes.EventError,
			"error":          "rate limit exceeded",
			"limit":          rle.Limit,
			"retry_after_ms": rle.RetryAfter.Milliseconds(),
		})
		return
	}
	if errors.Is(result.Err, ratelimit.ErrStoreUnavailable) {
		span.RecordError(result.Err)
		_ = sendJSON(conn, writeMu, gin.H{
			"type":  datatypes.EventError,
			"error": "service temporarily unavailable",
		})
		return
	}
	if writer == nil {
		span.RecordError(result.Err)
		_ = sendJSON(conn, writeMu, gin.H{
			"type":  datatypes.EventError,
			"error": "streaming failed",
		})
		return
	}

	if !result.FirstDeltaAt.IsZero() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(result.FirstDeltaAt.Sub(startTime).Seconds())
		}
	}

	if result.Completed() {
		outcome = observability.OutcomeCompleted
		artifacts := DetectArtifacts(result.Answer)
		for _, artifact := range artifacts {
			if err := writer.WriteArtifact(artifact.Language, artifact.Content); err != nil {
				slog.Error("Failed to write artifact frame", "requestId", req.RequestID, "error", err)
				return
			}
		}
		if err := writer.WriteCompletion(req.ThreadID, len(artifacts) > 0); err != nil {
			slog.Error("Failed to write completion frame", "requestId", req.RequestID, "error", err)
		}
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "chat.stream",
			Timestamp:    time.Now().UTC(),
			UserID:       identity,
			Action:       "stream",
			ResourceType: "chat",
			ResourceID:   req.ThreadID,
			Outcome:      "success",
			Metadata:     map[string]any{"request_id": req.RequestID, "transport": "websocket"},
		})
		return
	}

	// Aborted after delivery began.
	span.RecordError(result.Err)
	slog.Error("WebSocket chat exchange aborted",
		"requestId", req.RequestID,
		"threadId", req.ThreadID,
		"partial", result.Partial,
		"error", result.Err,
	)
	switch {
	case result.Disconnected():
		outcome = observability.OutcomeAborted
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect()
		}
	case result.TimedOut():
		outcome = observability.OutcomeAborted
		_ = writer.WriteError("stream timed out")
	default:
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(classifyUpstreamError(result.Err))
		}
		_ = writer.WriteError("answer generation failed")
	}
}
