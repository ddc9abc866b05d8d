// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main contains the Relaygate CLI streaming chat service.
//
// This file defines the ChatService interface and its gateway-backed
// implementation for communicating with the gateway's streaming chat
// endpoint. It follows the layered streaming architecture:
//
//	HTTP Response Body → SSEParser → SSEStreamReader → StreamRenderer → StreamOutcome
//
// # Architecture
//
//	CLI Loop → ChatService Interface → HTTPClient Interface → http.Client
//	                  ↓                        ↓
//	        gatewayChatService          SSEParser → SSEStreamReader
//	                                                     ↓
//	                                              StreamRenderer
//
// The service collects every parsed event so the runner can verify the
// response's hash chain after the stream closes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/relaygate/pkg/ux"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// =============================================================================
// INTERFACES
// =============================================================================

// HTTPClient abstracts HTTP operations for testability.
//
// # Description
//
// HTTPClient enables mocking of network calls in unit tests. The
// production implementation wraps http.Client and injects the bearer
// token on every request; test implementations return canned responses.
//
// # Limitations
//
//   - Callers must close response bodies
//
// # Assumptions
//
//   - Implementations honor context cancellation
type HTTPClient interface {
	// Post sends a POST request with the given body.
	Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error)

	// Get sends a GET request.
	Get(ctx context.Context, url string) (*http.Response, error)

	// Delete sends a DELETE request.
	Delete(ctx context.Context, url string) (*http.Response, error)
}

// ChatService defines the contract for streaming chat operations.
//
// # Description
//
// This interface provides streaming chat against the gateway, where the
// response is delivered delta-by-delta in real-time rather than as a
// single complete response. Implementations handle SSE parsing,
// rendering, and thread tracking internally.
//
// # Inputs
//
// Methods accept context.Context for cancellation and timeout control.
// Prompt inputs must be non-empty strings.
//
// # Outputs
//
// SendMessage returns *ux.StreamOutcome containing:
//   - Answer: Complete concatenated response
//   - Artifacts: Code blocks announced by artifact events
//   - Events: Every parsed event, for hash chain verification
//   - ThreadID: Thread identifier for multi-turn
//   - Metrics: TotalDeltas, FirstDeltaAt, Duration, etc.
//
// # Examples
//
//	service := NewGatewayChatService(GatewayChatServiceConfig{
//	    BaseURL:     "http://localhost:8080",
//	    Personality: ux.PersonalityFull,
//	})
//	defer service.Close()
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
//	defer cancel()
//
//	outcome, err := service.SendMessage(ctx, "Explain OAuth2")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Deltas: %d, Duration: %v\n", outcome.TotalDeltas, outcome.Duration())
//
// # Limitations
//
//   - Streaming requires server support for SSE format
//   - Context cancellation may result in partial results
//
// # Assumptions
//
//   - Server returns valid SSE-formatted responses
//   - Caller handles context lifecycle (cancellation, timeout)
type ChatService interface {
	// SendMessage sends a user prompt and streams the assistant's response.
	//
	// Description:
	//   Sends the prompt to the streaming endpoint, parses SSE events,
	//   renders deltas in real-time, and returns the accumulated outcome.
	//   The thread ID is captured from the completion event so the next
	//   message continues the same conversation.
	//
	// Inputs:
	//   - ctx: Context for cancellation/timeout. When cancelled, stream stops.
	//   - prompt: User's input text. Must not be empty.
	//
	// Outputs:
	//   - *ux.StreamOutcome: Complete outcome with answer, events, metrics.
	//   - error: Non-nil on network, server, or parse errors.
	SendMessage(ctx context.Context, prompt string) (*ux.StreamOutcome, error)

	// LoadThreadHistory fetches a thread's stored messages for resume.
	//
	// Description:
	//   Confirms the thread exists on the gateway and returns how many
	//   messages it holds. The gateway keeps conversation state
	//   server-side, so nothing is replayed locally; the count is for
	//   display only.
	//
	// Inputs:
	//   - ctx: Context for cancellation/timeout.
	//   - threadID: Thread to resume (URL-escaped before use).
	//
	// Outputs:
	//   - int: Number of stored messages in the thread.
	//   - error: Non-nil if the thread could not be loaded.
	LoadThreadHistory(ctx context.Context, threadID string) (int, error)

	// FetchRateBudget reads the caller's rate limit window.
	//
	// Description:
	//   Queries the gateway's status endpoint so the chat header can
	//   show the remaining request budget. Best effort; callers may
	//   ignore errors and omit the budget display.
	//
	// Outputs:
	//   - *ux.RateBudget: Limit, remaining, and reset horizon.
	//   - error: Non-nil on network or server errors.
	FetchRateBudget(ctx context.Context) (*ux.RateBudget, error)

	// ThreadID returns the current thread identifier.
	//
	// Description:
	//   Returns the thread ID for multi-turn conversation tracking.
	//   Server-assigned after the first completed response; empty before.
	ThreadID() string

	// Close releases any resources held by the service.
	Close() error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// GatewayChatServiceConfig holds configuration for the gateway chat service.
//
// # Description
//
// Configuration struct for creating gatewayChatService instances.
// Only BaseURL is required; all other fields have sensible defaults.
//
// # Fields
//
//   - BaseURL: Required. Gateway URL without trailing slash.
//   - Token: Optional. Bearer token sent on every request.
//   - ThreadID: Optional. Resume an existing thread.
//   - Writer: Optional. Output destination. Default: os.Stdout.
//   - Personality: Optional. Output styling. Default: PersonalityFull.
//   - Timeout: Optional. HTTP timeout. Default: 5 minutes.
//
// # Examples
//
//	config := GatewayChatServiceConfig{
//	    BaseURL:     "http://localhost:8080",
//	    Personality: ux.PersonalityFull,
//	}
//
// # Limitations
//
//   - BaseURL validation is not performed; invalid URLs cause runtime errors
type GatewayChatServiceConfig struct {
	BaseURL     string              // Base URL of the gateway (required)
	Token       string              // Bearer token (optional)
	ThreadID    string              // Thread ID to resume (optional)
	Writer      io.Writer           // Output destination (optional)
	Personality ux.PersonalityLevel // Output styling (optional)
	Timeout     time.Duration       // HTTP timeout (optional)
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

// gatewayChatService implements ChatService against the gateway.
//
// # Description
//
// Communicates with the /v1/chat/stream endpoint. The gateway keeps
// conversation history server-side, keyed by thread ID, so the service
// tracks only the current thread rather than a message history.
//
// # Thread Safety
//
// All public methods are protected by mutex. Safe for concurrent use.
//
// # Limitations
//
//   - Requires server to support the /v1/chat/stream endpoint
//   - Thread state is lost if the service is recreated without ThreadID
type gatewayChatService struct {
	client      HTTPClient
	parser      ux.SSEParser
	reader      ux.StreamReader
	baseURL     string
	threadID    string
	writer      io.Writer
	personality ux.PersonalityLevel
	mu          sync.Mutex
}

// NewGatewayChatService creates a new gateway chat service.
//
// # Description
//
// Creates a gatewayChatService with a production HTTP client.
// Initializes the SSE parser and stream reader for event processing.
//
// # Inputs
//
//   - config: Service configuration. Only BaseURL is required.
//
// # Outputs
//
//   - ChatService: Ready-to-use streaming service.
//
// # Examples
//
//	service := NewGatewayChatService(GatewayChatServiceConfig{
//	    BaseURL: "http://localhost:8080",
//	    Token:   os.Getenv("RELAYGATE_TOKEN"),
//	})
//	defer service.Close()
//
// # Limitations
//
//   - Does not validate BaseURL format
//   - Does not test connectivity
func NewGatewayChatService(config GatewayChatServiceConfig) ChatService {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	client := &defaultHTTPClient{
		client: &http.Client{Timeout: timeout},
		token:  config.Token,
	}
	return NewGatewayChatServiceWithClient(client, config)
}

// NewGatewayChatServiceWithClient creates a gateway chat service with a custom HTTP client.
//
// # Description
//
// Creates a gatewayChatService with an injected HTTP client.
// Use this constructor for testing with mock clients.
//
// # Inputs
//
//   - client: HTTP client implementation (production or mock).
//   - config: Service configuration.
//
// # Outputs
//
//   - ChatService: Ready-to-use streaming service.
//
// # Examples
//
//	mock := &mockHTTPClient{response: mockSSEResponse}
//	service := NewGatewayChatServiceWithClient(mock, config)
func NewGatewayChatServiceWithClient(client HTTPClient, config GatewayChatServiceConfig) ChatService {
	writer := config.Writer
	if writer == nil {
		writer = os.Stdout
	}

	personality := config.Personality
	if personality == "" {
		personality = ux.PersonalityFull
	}

	parser := ux.NewSSEParser()

	return &gatewayChatService{
		client:      client,
		parser:      parser,
		reader:      ux.NewSSEStreamReader(parser),
		baseURL:     config.BaseURL,
		threadID:    config.ThreadID,
		writer:      writer,
		personality: personality,
	}
}

// =============================================================================
// CHAT SERVICE METHODS
// =============================================================================

// SendMessage sends a prompt and streams the gateway's response.
//
// # Description
//
// Sends the prompt to /v1/chat/stream, parses SSE events, routes
// events to the renderer, and returns the accumulated outcome. The
// thread ID is updated from the completion event.
//
// # Inputs
//
//   - ctx: Context for cancellation/timeout.
//   - prompt: User's input text.
//
// # Outputs
//
//   - *ux.StreamOutcome: Accumulated outcome with answer, events, metrics.
//   - error: Non-nil on marshal, network, server, or parse errors.
//
// # Limitations
//
//   - Does not retry on transient errors; the gateway retries upstream
//   - Partial results on context cancellation may be incomplete
//
// # Assumptions
//
//   - Server sends a completion event carrying the thread ID
func (s *gatewayChatService) SendMessage(ctx context.Context, prompt string) (*ux.StreamOutcome, error) {
	requestID := uuid.New().String()
	currentThreadID := s.ThreadID()

	slog.Debug("sending streaming chat message",
		"request_id", requestID,
		"thread_id", currentThreadID,
		"prompt_length", len(prompt),
	)

	reqBody := datatypes.ChatStreamRequest{
		Prompt:    prompt,
		ThreadID:  currentThreadID,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}

	resp, err := s.postRequest(ctx, requestID, reqBody)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close response body", "error", err)
		}
	}()

	if err := s.validateResponse(requestID, resp); err != nil {
		return nil, err
	}

	outcome, newThreadID, err := s.processStream(ctx, requestID, resp.Body)
	if err != nil {
		return nil, err
	}

	s.updateThreadID(requestID, newThreadID)

	return outcome, nil
}

// postRequest marshals the request body and sends the POST.
//
// # Description
//
// Marshals the request and posts it to the streaming endpoint. Does not
// close the response body on success; the caller owns it.
func (s *gatewayChatService) postRequest(ctx context.Context, requestID string, reqBody datatypes.ChatStreamRequest) (*http.Response, error) {
	targetURL := fmt.Sprintf("%s/v1/chat/stream", s.baseURL)

	postBody, err := json.Marshal(reqBody)
	if err != nil {
		slog.Error("failed to marshal streaming request",
			"request_id", requestID,
			"error", err,
		)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := s.client.Post(ctx, targetURL, "application/json", bytes.NewBuffer(postBody))
	if err != nil {
		slog.Error("streaming HTTP request failed",
			"request_id", requestID,
			"url", targetURL,
			"error", err,
		)
		return nil, fmt.Errorf("http post: %w", err)
	}

	return resp, nil
}

// validateResponse checks HTTP response status.
//
// # Description
//
// Validates that the response has 200 OK status. A 429 is reported as a
// rate limit error carrying the retry horizon from the body; other
// non-200 responses surface the raw body.
//
// # Limitations
//
// Reads the response body on error, consuming it.
func (s *gatewayChatService) validateResponse(requestID string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("server returned error (failed to read body)",
			"request_id", requestID,
			"status_code", resp.StatusCode,
			"read_error", err,
		)
		return fmt.Errorf("server error (%d): failed to read response body", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var limited struct {
			Error        string `json:"error"`
			RetryAfterMs int64  `json:"retry_after_ms"`
		}
		if jsonErr := json.Unmarshal(bodyBytes, &limited); jsonErr == nil && limited.RetryAfterMs > 0 {
			retryIn := time.Duration(limited.RetryAfterMs) * time.Millisecond
			slog.Warn("request was rate limited",
				"request_id", requestID,
				"retry_after_ms", limited.RetryAfterMs,
			)
			return fmt.Errorf("rate limited: retry in %s", retryIn.Round(time.Second))
		}
	}

	slog.Error("streaming server returned error",
		"request_id", requestID,
		"status_code", resp.StatusCode,
		"response_body", string(bodyBytes),
	)
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(bodyBytes))
}

// processStream reads and renders the SSE stream.
//
// # Description
//
// Creates a renderer, reads SSE events from the body, routes events to
// the renderer, and returns the accumulated outcome. Every parsed event
// is collected into the outcome so the caller can verify the hash chain
// after the stream closes.
//
// # Outputs
//
//   - *ux.StreamOutcome: Accumulated outcome with the full event list.
//   - string: Thread ID from the completion event (may be empty).
//   - error: Non-nil on stream read errors.
func (s *gatewayChatService) processStream(ctx context.Context, requestID string, body io.Reader) (*ux.StreamOutcome, string, error) {
	renderer := ux.NewTerminalStreamRenderer(s.writer, s.personality)
	defer renderer.Finalize()

	var newThreadID string
	events := make([]datatypes.StreamEvent, 0, 32)

	err := s.reader.Read(ctx, body, func(event datatypes.StreamEvent) error {
		events = append(events, event)

		switch event.Type {
		case datatypes.EventStatus:
			renderer.OnStatus(ctx, event.Message)
		case datatypes.EventDelta:
			renderer.OnDelta(ctx, event.Content)
		case datatypes.EventArtifact:
			renderer.OnArtifact(ctx, event.Language, event.Content)
		case datatypes.EventCompletion:
			newThreadID = event.ThreadId
			renderer.OnCompletion(ctx, event.ThreadId, event.HasArtifact)
		case datatypes.EventError:
			renderer.OnError(ctx, fmt.Errorf("%s", event.Error))
		}
		return nil
	})

	if err != nil {
		slog.Error("stream reading failed",
			"request_id", requestID,
			"error", err,
		)
		return nil, "", fmt.Errorf("read stream: %w", err)
	}

	outcome := renderer.Outcome()
	outcome.RequestID = requestID
	outcome.Events = events

	slog.Debug("streaming chat completed",
		"request_id", requestID,
		"thread_id", outcome.ThreadID,
		"total_deltas", outcome.TotalDeltas,
		"total_events", outcome.TotalEvents,
		"duration_ms", outcome.Duration().Milliseconds(),
	)

	return outcome, newThreadID, nil
}

// updateThreadID stores the new thread ID if changed.
//
// # Description
//
// Thread-safe update of the threadID field. Logs when the ID changes,
// which happens exactly once per new conversation. Empty IDs are
// ignored so an errored stream cannot clear the thread.
func (s *gatewayChatService) updateThreadID(requestID, newThreadID string) {
	if newThreadID == "" {
		return
	}

	s.mu.Lock()
	oldThreadID := s.threadID
	s.threadID = newThreadID
	s.mu.Unlock()

	if oldThreadID != newThreadID {
		slog.Info("thread ID updated from stream",
			"request_id", requestID,
			"old_thread_id", oldThreadID,
			"new_thread_id", newThreadID,
		)
	}
}

// LoadThreadHistory fetches a thread's stored messages for resume.
//
// # Description
//
// Confirms the thread exists on the gateway and returns how many
// messages it holds. On success the service adopts the thread ID so
// subsequent sends continue the conversation.
//
// # Inputs
//
//   - ctx: Context for cancellation/timeout.
//   - threadID: Thread to resume (URL-escaped for safety).
//
// # Outputs
//
//   - int: Number of stored messages in the thread.
//   - error: Non-nil if loading failed.
//
// # Assumptions
//
//   - The gateway keeps conversation history server-side; nothing is
//     replayed into the request path
func (s *gatewayChatService) LoadThreadHistory(ctx context.Context, threadID string) (int, error) {
	escapedThreadID := url.PathEscape(threadID)
	historyURL := fmt.Sprintf("%s/v1/threads/%s/history", s.baseURL, escapedThreadID)

	slog.Debug("loading thread history",
		"thread_id", threadID,
		"url", historyURL,
	)

	resp, err := s.client.Get(ctx, historyURL)
	if err != nil {
		slog.Error("failed to load thread history",
			"thread_id", threadID,
			"error", err,
		)
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		slog.Error("thread history request failed",
			"thread_id", threadID,
			"status_code", resp.StatusCode,
		)
		return 0, fmt.Errorf("failed to get history (status %d)", resp.StatusCode)
	}

	var history struct {
		ThreadID string `json:"thread_id"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		slog.Error("failed to parse thread history",
			"thread_id", threadID,
			"error", err,
		)
		return 0, fmt.Errorf("parse history: %w", err)
	}

	s.mu.Lock()
	s.threadID = threadID
	s.mu.Unlock()

	slog.Info("thread history loaded",
		"thread_id", threadID,
		"messages", len(history.Messages),
	)

	return len(history.Messages), nil
}

// FetchRateBudget reads the caller's rate limit window from the gateway.
//
// # Description
//
// Queries /v1/chat/status and converts the response into a display
// budget. Used by the chat header; callers treat errors as "budget
// unknown" rather than fatal.
func (s *gatewayChatService) FetchRateBudget(ctx context.Context) (*ux.RateBudget, error) {
	statusURL := fmt.Sprintf("%s/v1/chat/status", s.baseURL)

	resp, err := s.client.Get(ctx, statusURL)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed (status %d)", resp.StatusCode)
	}

	var status datatypes.ChatStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}

	return &ux.RateBudget{
		Limit:      int(status.Limit),
		Remaining:  int(status.Remaining),
		ResetAfter: time.Duration(status.ResetAfterMs) * time.Millisecond,
	}, nil
}

// ThreadID returns the current thread identifier.
//
// # Description
//
// Returns the server-assigned thread ID for multi-turn conversations.
// Empty before the first completed response on a new conversation.
//
// # Assumptions
//
// Thread-safe; mutex protects access.
func (s *gatewayChatService) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Close releases resources held by the service.
//
// # Description
//
// No-op for the HTTP-based implementation. Provided for interface
// compliance.
//
// # Limitations
//
// Does not cancel in-flight requests.
func (s *gatewayChatService) Close() error {
	return nil
}

// =============================================================================
// DEFAULT HTTP CLIENT
// =============================================================================

// defaultHTTPClient wraps http.Client with bearer token injection.
//
// # Description
//
// The production HTTPClient. Every request carries the configured
// bearer token in the Authorization header when one is set. The
// gateway's auth middleware derives the caller identity from it.
type defaultHTTPClient struct {
	client *http.Client
	token  string
}

// Post sends a POST request with context and auth header.
func (c *defaultHTTPClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)
	return c.client.Do(req)
}

// Get sends a GET request with context and auth header.
func (c *defaultHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	return c.client.Do(req)
}

// Delete sends a DELETE request with context and auth header.
func (c *defaultHTTPClient) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	return c.client.Do(req)
}

// authorize attaches the bearer token when one is configured.
func (c *defaultHTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ ChatService = (*gatewayChatService)(nil)
var _ HTTPClient = (*defaultHTTPClient)(nil)
