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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/relaygate/pkg/extensions"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
	"github.com/AleutianAI/relaygate/services/gateway/middleware"
	"github.com/AleutianAI/relaygate/services/gateway/observability"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/store"
	"github.com/AleutianAI/relaygate/services/llm"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultHeartbeatInterval is the keepalive ping cadence. Set to 15s
	// to stay well under typical LB idle timeouts (60s for ALB/Nginx).
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultMaxHistoryTurns limits how many prior conversation turns are
	// loaded as upstream context. One turn is a user prompt plus the
	// assistant answer, so the message budget is twice this value. Keeps
	// long threads from overflowing the provider's context window.
	DefaultMaxHistoryTurns = 20
)

// =============================================================================
// Configuration
// =============================================================================

// StreamingConfig tunes the chat streaming handler.
type StreamingConfig struct {
	// HeartbeatInterval is how often keepalive pings are written while
	// the upstream is quiet.
	HeartbeatInterval time.Duration

	// MaxHistoryTurns is the number of prior turns loaded as context.
	MaxHistoryTurns int
}

// DefaultStreamingConfig returns the production defaults.
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxHistoryTurns:   DefaultMaxHistoryTurns,
	}
}

// =============================================================================
// Interface Definition
// =============================================================================

// ChatStreamingHandler serves the streaming chat endpoints.
//
// # Description
//
// ChatStreamingHandler binds the HTTP layer to the StreamRelay: it
// authenticates and validates the request, runs the enterprise
// extension points (authorization, filtering, audit capture), and hands
// delivery to the relay. Rate limit rejections surface as plain HTTP
// responses because the relay decides admission before the response
// commits to streaming.
//
// # Outputs
//
// SSE stream with events:
//   - status: processing started
//   - delta: incremental answer content
//   - artifact: fenced code blocks extracted from the finished answer
//   - completion: terminal success, carries thread_id and has_artifact
//   - error: terminal failure
//
// # Limitations
//
//   - Errors after the first byte are sent as events, not HTTP statuses
//
// # Assumptions
//
//   - Auth middleware has already run and stored AuthInfo in the context
//   - Client supports SSE (or WebSocket for HandleChatSocket)
type ChatStreamingHandler interface {
	// HandleChatStream processes POST /v1/chat/stream requests,
	// delivering the answer over Server-Sent Events.
	HandleChatStream(c *gin.Context)

	// HandleChatSocket processes GET /v1/chat/ws requests, delivering
	// the same event stream over a WebSocket connection.
	HandleChatSocket(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// chatStreamingHandler implements ChatStreamingHandler for production use.
//
// # Fields
//
//   - relay: Runs admitted sessions end to end (admission, upstream,
//     delivery, persistence).
//   - messages: Transcript store, used here for the pre-stream user
//     message write and the history load.
//   - opts: Extension points for enterprise features (authz, audit,
//     filtering, classification).
//   - cfg: Heartbeat and history tuning.
//   - tracer: OpenTelemetry tracer for request spans.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction; per-request
// state lives on the handler's stack.
type chatStreamingHandler struct {
	relay    *StreamRelay
	messages store.MessageStore
	opts     extensions.ServiceOptions
	cfg      StreamingConfig
	tracer   trace.Tracer

	// historyLoads collapses concurrent history reads for the same
	// (identity, thread) onto one store query.
	historyLoads singleflight.Group
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatStreamingHandler creates a ChatStreamingHandler with the
// provided dependencies.
//
// # Inputs
//
//   - relay: Stream relay. Must not be nil.
//   - messages: Message store. Must not be nil. Callers pass the same
//     store the relay persists into so history reads see prior answers.
//   - opts: Extension options. Use extensions.DefaultOptions() for the
//     open source no-op set.
//   - cfg: Streaming tuning. Zero fields fall back to defaults.
//
// # Outputs
//
//   - ChatStreamingHandler: Ready for use with the Gin router.
//
// # Limitations
//
//   - Panics on nil relay or messages (programming errors)
func NewChatStreamingHandler(
	relay *StreamRelay,
	messages store.MessageStore,
	opts extensions.ServiceOptions,
	cfg StreamingConfig,
) ChatStreamingHandler {
	if relay == nil {
		panic("NewChatStreamingHandler: relay must not be nil")
	}
	if messages == nil {
		panic("NewChatStreamingHandler: messages must not be nil")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	return &chatStreamingHandler{
		relay:    relay,
		messages: messages,
		opts:     opts,
		cfg:      cfg,
		tracer:   otel.Tracer("aleutian.gateway.handlers.chat_streaming"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes streaming chat requests over SSE.
//
// # Description
//
// Handles POST /v1/chat/stream requests. The flow is:
//  1. Parse and validate the request body
//  2. Authorize the caller and capture the request for audit
//  3. Filter the prompt (enterprise PII redaction / blocking)
//  4. Load prior turns as upstream context
//  5. Hand the session to the relay; delivery commits via SSE only
//     after admission succeeds
//  6. Emit artifact and completion events (or a terminal error event)
//
// # Security
//
//   - Outbound (user → LLM): filtered and blockable before any upstream call
//   - Inbound (LLM → user): delivered verbatim, hash-chained for integrity
//   - Internal error detail never reaches the client; failures surface
//     as generic error events while the detail goes to logs and spans
//
// # Inputs
//
//   - c: Gin context containing the HTTP request
//
// Request Body (datatypes.ChatStreamRequest):
//   - prompt: Required. The user's message, up to 50000 bytes.
//   - thread_id: Optional. UUID v4 of the thread to continue.
//   - request_id: Optional. UUID v4 for tracing. Generated when absent.
//   - timestamp: Optional. Unix milliseconds (UTC).
//
// # Outputs
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: invalid body or validation failure
//   - 403 Forbidden: authorization denied or prompt blocked by filter
//   - 429 Too Many Requests: rate limit window exhausted; Retry-After
//     header carries seconds until the window rotates
//   - 500 Internal Server Error: SSE setup failure
//   - 503 Service Unavailable: quota store unreachable
//
// SSE Events (after streaming starts):
//   - event: status, data: {"type":"status","message":"Generating response..."}
//   - event: delta, data: {"type":"delta","content":"..."}
//   - event: artifact, data: {"type":"artifact","language":"go","content":"..."}
//   - event: completion, data: {"type":"completion","thread_id":"...","has_artifact":true}
//   - event: error, data: {"type":"error","error":"..."}
func (h *chatStreamingHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// Track active stream (for metrics)
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

	// Step 0: Get authenticated identity from context. The auth
	// middleware has already validated the token and stored AuthInfo.
	authInfo := middleware.GetAuthInfo(c)
	identity := middleware.Identity(c)
	span.SetAttributes(attribute.String("user.id", identity))

	// Step 0.5: Read raw body for enterprise request capture. Requests
	// built without a body arrive with Body nil; leave rawBody empty and
	// let binding reject them.
	var rawBody []byte
	if c.Request.Body != nil {
		var bodyErr error
		rawBody, bodyErr = io.ReadAll(c.Request.Body)
		if bodyErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(rawBody))
	}

	// Step 1: Parse request body.
	var req datatypes.ChatStreamRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat stream request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Step 1.5: Fill generated identifiers, then validate. A missing
	// thread_id means a new conversation; the client learns the id from
	// the completion event.
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Chat stream request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.thread_id", req.ThreadID),
		attribute.Int("request.prompt_bytes", len(req.Prompt)),
	)

	// Step 2: Authorization check. Enterprise can restrict who may
	// stream chat messages.
	if err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         authInfo,
		Action:       "stream",
		ResourceType: "chat",
		ResourceID:   req.ThreadID,
	}); err != nil {
		span.SetStatus(codes.Error, "authorization denied")
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "authz.denied",
			Timestamp:    time.Now().UTC(),
			UserID:       identity,
			Action:       "stream",
			ResourceType: "chat",
			ResourceID:   req.ThreadID,
			Outcome:      "denied",
			Metadata: map[string]any{
				"request_id": req.RequestID,
				"reason":     err.Error(),
			},
		})
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	// Step 2.5: Capture request for enterprise audit.
	auditID, _ := h.opts.RequestAuditor.CaptureRequest(ctx, &extensions.AuditableRequest{
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Headers:   extractHeaders(c),
		Body:      rawBody,
		UserID:    identity,
		Timestamp: startTime,
	})

	// Step 3: Filter the prompt (outbound protection). Enterprise can
	// redact PII or block the message entirely.
	prompt, blocked := h.filterPrompt(ctx, c, span, identity, &req)
	if blocked {
		return
	}

	// Step 3.5: Classify the prompt for data governance. Findings are
	// recorded, never blocking; blocking policy belongs to the filter.
	if result, err := h.opts.DataClassifier.Classify(ctx, prompt); err == nil && result != nil && !result.IsClean {
		span.SetAttributes(
			attribute.String("classification.highest", string(result.HighestLevel)),
			attribute.Int("classification.findings", len(result.Findings)),
		)
		slog.Debug("Prompt classification findings",
			"requestId", req.RequestID,
			"highest", result.HighestLevel,
			"findings", len(result.Findings),
		)
	}

	// Step 4: Load prior turns as upstream context.
	history := h.loadHistory(ctx, identity, req.ThreadID)

	// Step 5: Run the relay session. Delivery commits to SSE inside
	// BeginDelivery, which the relay calls only after admission
	// succeeds, so rejections below still go out as plain JSON.
	var writer EventWriter
	var heartbeatDone chan struct{}

	sess := RelaySession{
		Identity: identity,
		ThreadID: req.ThreadID,
		Prompt:   prompt,
		History:  history,
		BeginDelivery: func(streamCtx context.Context) (EventWriter, error) {
			// The user message is persisted before the first byte of the
			// response, on a detached context so a disconnect between
			// admission and delivery cannot cancel the write.
			h.saveUserMessage(context.WithoutCancel(streamCtx), identity, req.ThreadID, prompt)

			SetSSEHeaders(c.Writer)
			w, err := NewSSEWriter(c.Writer)
			if err != nil {
				return nil, err
			}
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

	// Stop heartbeat before emitting terminal events so a ping cannot
	// land between the last delta and the completion.
	if heartbeatDone != nil {
		close(heartbeatDone)
	}

	// Step 6: Map the pre-stream failures to plain HTTP responses.
	if rle, ok := result.RateLimited(); ok {
		outcome = observability.OutcomeRejected
		h.respondRateLimited(c, span, identity, &req, rle)
		return
	}
	if errors.Is(result.Err, ratelimit.ErrStoreUnavailable) {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "quota store unavailable")
		slog.Error("Quota store unavailable",
			"requestId", req.RequestID,
			"error", result.Err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.ErrorKindInternal)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
		return
	}
	if writer == nil {
		// BeginDelivery failed before the response committed to SSE.
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to begin SSE delivery",
			"requestId", req.RequestID,
			"error", result.Err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.ErrorKindInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Record time to first delta.
	if !result.FirstDeltaAt.IsZero() {
		ttft := result.FirstDeltaAt.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(ttft)
		}
	}
	span.SetAttributes(
		attribute.Int("stream.produced", result.Produced),
		attribute.Int("stream.delivered", result.Delivered),
		attribute.Bool("stream.partial", result.Partial),
	)

	// Step 7: Terminal events. The stream already carried every delta;
	// what remains is artifacts plus completion, or the error event.
	if result.Completed() {
		outcome = observability.OutcomeCompleted
		h.finishCompleted(ctx, span, writer, auditID, identity, &req, result, startTime)
		return
	}

	outcome = h.finishAborted(ctx, span, writer, identity, &req, result)
}

// =============================================================================
// Completion and Abort Paths
// =============================================================================

// finishCompleted emits artifact and completion events and records the
// success audit trail.
func (h *chatStreamingHandler) finishCompleted(
	ctx context.Context,
	span trace.Span,
	writer EventWriter,
	auditID string,
	identity string,
	req *datatypes.ChatStreamRequest,
	result *RelayResult,
	startTime time.Time,
) {
	// Artifacts are detected on the finished answer and re-emitted as
	// structured events so clients need not parse markdown fences.
	artifacts := DetectArtifacts(result.Answer)
	span.SetAttributes(attribute.Int("stream.artifacts", len(artifacts)))
	for _, artifact := range artifacts {
		if err := writer.WriteArtifact(artifact.Language, artifact.Content); err != nil {
			slog.Error("Failed to write artifact event",
				"requestId", req.RequestID,
				"language", artifact.Language,
				"error", err,
			)
			return
		}
	}

	if err := writer.WriteCompletion(req.ThreadID, len(artifacts) > 0); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write completion event",
			"requestId", req.RequestID,
			"error", err,
		)
		return
	}

	// Capture response for enterprise audit.
	_ = h.opts.RequestAuditor.CaptureResponse(ctx, auditID, &extensions.AuditableResponse{
		StatusCode: http.StatusOK,
		Headers:    extensions.HTTPHeaders{"Content-Type": "text/event-stream"},
		Body:       []byte(result.Answer),
		Timestamp:  time.Now().UTC(),
	})

	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.stream",
		Timestamp:    time.Now().UTC(),
		UserID:       identity,
		Action:       "stream",
		ResourceType: "chat",
		ResourceID:   req.ThreadID,
		Outcome:      "success",
		Metadata: map[string]any{
			"request_id":    req.RequestID,
			"delta_count":   strconv.Itoa(result.Delivered),
			"answer_hash":   result.AnswerHash,
			"artifacts":     strconv.Itoa(len(artifacts)),
			"processing_ms": strconv.FormatInt(time.Since(startTime).Milliseconds(), 10),
		},
	})

	span.SetStatus(codes.Ok, "stream completed")
}

// finishAborted classifies the failure, emits the terminal error event
// when the caller can still hear it, and returns the metrics outcome.
func (h *chatStreamingHandler) finishAborted(
	ctx context.Context,
	span trace.Span,
	writer EventWriter,
	identity string,
	req *datatypes.ChatStreamRequest,
	result *RelayResult,
) observability.Outcome {
	span.RecordError(result.Err)
	span.SetStatus(codes.Error, "stream aborted")
	slog.Error("Chat stream aborted",
		"requestId", req.RequestID,
		"threadId", req.ThreadID,
		"produced", result.Produced,
		"delivered", result.Delivered,
		"partial", result.Partial,
		"error", result.Err,
	)

	outcome := observability.OutcomeError
	switch {
	case result.Disconnected():
		// The caller is gone; there is nobody to write an error event to.
		outcome = observability.OutcomeAborted
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect()
		}
	case result.TimedOut():
		outcome = observability.OutcomeAborted
		if err := writer.WriteError("stream timed out"); err != nil {
			slog.Debug("Failed to write timeout error event", "error", err)
		}
	default:
		kind := classifyUpstreamError(result.Err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(kind)
		}
		// Internal detail stays in logs; the client gets a stable message.
		if err := writer.WriteError("answer generation failed"); err != nil {
			slog.Debug("Failed to write error event", "error", err)
		}
	}

	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.stream",
		Timestamp:    time.Now().UTC(),
		UserID:       identity,
		Action:       "stream",
		ResourceType: "chat",
		ResourceID:   req.ThreadID,
		Outcome:      "failed",
		Metadata: map[string]any{
			"request_id":  req.RequestID,
			"delta_count": strconv.Itoa(result.Delivered),
			"partial":     strconv.FormatBool(result.Partial),
			"error":       result.Err.Error(),
		},
	})

	return outcome
}

// respondRateLimited sends the 429 response with retry guidance and
// records the rejection.
func (h *chatStreamingHandler) respondRateLimited(
	c *gin.Context,
	span trace.Span,
	identity string,
	req *datatypes.ChatStreamRequest,
	rle *ratelimit.RateLimitedError,
) {
	span.SetStatus(codes.Error, "rate limited")
	span.SetAttributes(attribute.Int64("ratelimit.limit", rle.Limit))
	slog.Info("Chat stream rejected by rate limiter",
		"identity", identity,
		"requestId", req.RequestID,
		"limit", rle.Limit,
		"retry_after", rle.RetryAfter,
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRateLimited()
	}

	_ = h.opts.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    "chat.rejected",
		Timestamp:    time.Now().UTC(),
		UserID:       identity,
		Action:       "stream",
		ResourceType: "chat",
		ResourceID:   req.ThreadID,
		Outcome:      "rejected",
		Metadata: map[string]any{
			"request_id":     req.RequestID,
			"limit":          strconv.FormatInt(rle.Limit, 10),
			"retry_after_ms": strconv.FormatInt(rle.RetryAfter.Milliseconds(), 10),
		},
	})

	// Retry-After is whole seconds, rounded up so a client that honors
	// it never lands inside the same window.
	retrySeconds := int64((rle.RetryAfter + time.Second - 1) / time.Second)
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	c.Header("Retry-After", strconv.FormatInt(retrySeconds, 10))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":          "rate limit exceeded",
		"limit":          rle.Limit,
		"retry_after_ms": rle.RetryAfter.Milliseconds(),
	})
}

// =============================================================================
// Request Preparation Helpers
// =============================================================================

// filterPrompt runs the message filter over the prompt. Returns the
// (possibly redacted) prompt and whether the request was terminated.
func (h *chatStreamingHandler) filterPrompt(
	ctx context.Context,
	c *gin.Context,
	span trace.Span,
	identity string,
	req *datatypes.ChatStreamRequest,
) (string, bool) {
	filterResult, err := h.opts.MessageFilter.FilterInput(ctx, req.Prompt)
	if err != nil {
		span.RecordError(err)
		slog.Error("Message filter failed",
			"error", err,
			"requestId", req.RequestID,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message processing failed"})
		return "", true
	}

	if filterResult.WasBlocked {
		span.SetStatus(codes.Error, "prompt blocked by filter")
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "chat.blocked",
			Timestamp:    time.Now().UTC(),
			UserID:       identity,
			Action:       "stream",
			ResourceType: "chat",
			ResourceID:   req.ThreadID,
			Outcome:      "blocked",
			Metadata: map[string]any{
				"request_id": req.RequestID,
				"reason":     filterResult.BlockReason,
			},
		})
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "message blocked by content filter",
			"reason": filterResult.BlockReason,
		})
		return "", true
	}

	// Use filtered content (may have PII redacted).
	return filterResult.Filtered, false
}

// loadHistory fetches prior turns for upstream context. A failed read
// degrades to an empty history rather than failing the chat; the
// upstream still answers, just without memory of the thread. Concurrent
// requests for the same thread share one store read.
func (h *chatStreamingHandler) loadHistory(ctx context.Context, identity, threadID string) []datatypes.Message {
	limit := 2 * h.cfg.MaxHistoryTurns
	v, err, _ := h.historyLoads.Do(identity+"|"+threadID, func() (any, error) {
		return h.messages.History(ctx, identity, threadID, limit)
	})
	if err != nil {
		slog.Warn("Failed to load thread history",
			"threadId", threadID,
			"error", err,
		)
		return nil
	}
	msgs := v.([]store.Message)
	history := make([]datatypes.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, datatypes.Message{
			MessageID: m.ID,
			Role:      m.Role,
			Content:   m.Content,
		})
	}
	return history
}

// saveUserMessage persists the prompt as a user turn. Failures are
// logged and counted; the chat proceeds regardless.
func (h *chatStreamingHandler) saveUserMessage(ctx context.Context, identity, threadID, prompt string) {
	msg := &store.Message{
		ThreadID: threadID,
		Identity: identity,
		Role:     "user",
		Content:  prompt,
	}
	if err := h.messages.SaveMessage(ctx, msg); err != nil {
		slog.Error("Failed to persist user message",
			"threadId", threadID,
			"error", err,
		)
		recordPersistenceFailure()
	}
}

// runHeartbeat writes keepalive pings until the stream finishes or the
// caller disconnects. Pings live outside the event hash chain.
func (h *chatStreamingHandler) runHeartbeat(ctx context.Context, writer EventWriter, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// classifyUpstreamError maps an abort cause to its metrics label.
func classifyUpstreamError(err error) observability.ErrorKind {
	switch {
	case errors.Is(err, llm.ErrUpstreamAuth):
		return observability.ErrorKindUpstreamAuth
	case errors.Is(err, llm.ErrUpstreamRequest), errors.Is(err, llm.ErrUpstreamQuota):
		return observability.ErrorKindUpstreamRequest
	case errors.Is(err, llm.ErrUpstreamTransient):
		return observability.ErrorKindUpstreamTransient
	default:
		return observability.ErrorKindInternal
	}
}

// extractHeaders copies request headers for audit capture, redacting
// credentials.
func extractHeaders(c *gin.Context) extensions.HTTPHeaders {
	headers := make(extensions.HTTPHeaders, len(c.Request.Header))
	for name := range c.Request.Header {
		if strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "Cookie") {
			headers.Set(name, "[REDACTED]")
			continue
		}
		headers.Set(name, c.Request.Header.Get(name))
	}
	return headers
}
