// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicContent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent is the data payload of one SSE frame. The Type field
// discriminates which of the remaining fields are populated.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	Delta struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// AnthropicClient speaks the Anthropic messages API, blocking via
// Generate and streamed via OpenStream.
type AnthropicClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var (
	_ LLMClient    = (*AnthropicClient)(nil)
	_ StreamClient = (*AnthropicClient)(nil)
)

// NewAnthropicClient reads ANTHROPIC_API_KEY (or the container secret
// at /run/secrets/anthropic_api_key) and CLAUDE_MODEL from the
// environment. The key is required.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		if content, err := os.ReadFile("/run/secrets/anthropic_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Loaded Anthropic key from container secret")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing")
	}

	model := os.Getenv("CLAUDE_MODEL")
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
		slog.Info("CLAUDE_MODEL not set, using default", "model", model)
	}

	baseURL := os.Getenv("ANTHROPIC_BASE_URL")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// buildRequest maps history onto the messages API shape. System-role
// turns are lifted into the top-level system field; anything that is
// not the assistant is sent as the user.
func (a *AnthropicClient) buildRequest(prompt string, history []datatypes.Message, params GenerationParams) anthropicRequest {
	var apiMessages []anthropicMessage
	systemPrompt := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")

	for _, msg := range history {
		if strings.ToLower(msg.Role) == "system" {
			systemPrompt = msg.Content
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		apiMessages = append(apiMessages, anthropicMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	apiMessages = append(apiMessages, anthropicMessage{Role: "user", Content: prompt})

	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{
			Type: "text",
			Text: systemPrompt,
		}
		// Prompt caching only pays off above the API's minimum
		// cacheable size.
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: 4096,
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}
	reqPayload.Temperature = params.Temperature
	reqPayload.TopP = params.TopP
	reqPayload.TopK = params.TopK
	reqPayload.StopSeqs = params.Stop
	return reqPayload
}

func (a *AnthropicClient) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building anthropic request: %w", err)
	}

	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("calling anthropic: %w: %w", err, ErrUpstreamTransient)
	}
	return resp, nil
}

// Generate performs a blocking one-shot completion. Thinking blocks
// are logged but never returned to the caller.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Calling anthropic messages API", "model", a.model)

	resp, err := a.post(ctx, a.buildRequest(prompt, nil, params))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", classifyAnthropicHTTPError(resp.StatusCode, body)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("parsing anthropic response: %w", err)
	}
	if apiResp.Error != nil {
		return "", classifyAnthropicError(apiResp.Error)
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("anthropic returned no content blocks: %w", ErrUpstreamRequest)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			slog.Debug("Model thinking block", "thinking", block.Thinking)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic returned content blocks but no text")
	}
	return text.String(), nil
}

// OpenStream implements the StreamClient interface using the SSE form of the
// messages API.
func (a *AnthropicClient) OpenStream(ctx context.Context, prompt string, history []datatypes.Message, params GenerationParams) (Stream, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", a.model),
		attribute.Int("llm.history_turns", len(history)),
	)

	payload := a.buildRequest(prompt, history, params)
	payload.Stream = true

	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := a.post(streamCtx, payload)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		cancel()
		classified := classifyAnthropicHTTPError(resp.StatusCode, bodyBytes)
		span.RecordError(classified)
		span.SetStatus(codes.Error, "non-200 from anthropic")
		slog.Error("Anthropic stream open failed", "status", resp.StatusCode, "error", classified)
		return nil, classified
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	span.SetStatus(codes.Ok, "stream opened")
	return &anthropicStream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
	}, nil
}

// anthropicStream walks SSE frames. Only data lines matter; the event name
// line is redundant with the payload's type field.
type anthropicStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	index     int
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Stream = (*anthropicStream)(nil)

func (s *anthropicStream) Next(ctx context.Context) (Delta, error) {
	if s.closed.Load() {
		return Delta{}, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			slog.Debug("Skipping malformed anthropic event", "error", err)
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			d := Delta{Text: event.Delta.Text, Index: s.index}
			s.index++
			return d, nil
		case "message_delta":
			if event.Delta.StopReason == "refusal" {
				return Delta{}, fmt.Errorf("anthropic stopped with refusal: %w", ErrContentPolicy)
			}
		case "message_stop":
			return Delta{}, io.EOF
		case "error":
			return Delta{}, classifyAnthropicError(event.Error)
		}
	}

	if err := s.scanner.Err(); err != nil {
		if s.closed.Load() {
			return Delta{}, ErrStreamClosed
		}
		if ctx.Err() != nil {
			return Delta{}, ctx.Err()
		}
		return Delta{}, fmt.Errorf("anthropic stream read failed: %w: %w", err, ErrUpstreamTransient)
	}
	if s.closed.Load() {
		return Delta{}, ErrStreamClosed
	}
	return Delta{}, io.EOF
}

func (s *anthropicStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if err := s.body.Close(); err != nil {
			slog.Debug("Error closing anthropic stream body", "error", err)
		}
	})
	return nil
}

func classifyAnthropicHTTPError(statusCode int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Error != nil {
		detail = apiResp.Error.Message
	}
	return classifyHTTPStatus(statusCode, detail)
}

func classifyAnthropicError(apiErr *anthropicError) error {
	if apiErr == nil {
		return fmt.Errorf("anthropic reported an error without detail: %w", ErrUpstreamTransient)
	}
	var sentinel error
	switch apiErr.Type {
	case "authentication_error", "permission_error":
		sentinel = ErrUpstreamAuth
	case "invalid_request_error", "not_found_error", "request_too_large":
		sentinel = ErrUpstreamRequest
	case "rate_limit_error":
		sentinel = ErrUpstreamQuota
	default:
		// overloaded_error, api_error and anything new.
		sentinel = ErrUpstreamTransient
	}
	return fmt.Errorf("anthropic API error: %s - %s: %w", apiErr.Type, apiErr.Message, sentinel)
}
