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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"

	// maxErrorBodyBytes caps how much of an upstream error body is read for
	// classification and logging.
	maxErrorBodyBytes = 8 * 1024
)

// GeminiClient talks to the Gemini generateContent API over plain HTTP.
// Streaming uses the SSE variant (alt=sse) of streamGenerateContent.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

var (
	_ LLMClient    = (*GeminiClient)(nil)
	_ StreamClient = (*GeminiClient)(nil)
)

// NewGeminiClient builds a client from the environment.
// GEMINI_API_KEY is required (falls back to the Podman secrets mount);
// GEMINI_BASE_URL and GEMINI_MODEL have defaults.
func NewGeminiClient() (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		keyBytes, err := os.ReadFile("/run/secrets/gemini_api_key")
		if err == nil {
			apiKey = strings.TrimSpace(string(keyBytes))
			slog.Info("Read the Gemini API Key from Podman Secrets")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	baseURL := os.Getenv("GEMINI_BASE_URL")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		slog.Warn("GEMINI_MODEL is not set, defaulting to " + defaultGeminiModel)
		model = defaultGeminiModel
	}

	slog.Info("Initializing Gemini Client", "baseURL", baseURL, "model", model)
	return &GeminiClient{
		// No overall timeout: streams are long-lived and bounded by the
		// request context instead.
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// ===== Wire Types =====

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *geminiAPIError `json:"error,omitempty"`
}

// buildRequest assembles the wire request. Gemini uses "model" where the chat
// API says "assistant"; unknown roles are passed through as "user" so a turn
// is never silently dropped.
func (c *GeminiClient) buildRequest(prompt string, history []datatypes.Message, params GenerationParams) geminiRequest {
	contents := make([]geminiContent, 0, len(history)+1)
	for _, msg := range history {
		role := "user"
		if msg.Role == "assistant" || msg.Role == "model" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: prompt}},
	})

	persona := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")
	if persona == "" {
		persona = "You are a helpful AI coding assistant."
	}

	req := geminiRequest{
		Contents:          contents,
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: persona}}},
	}
	if params.Temperature != nil || params.TopP != nil || params.TopK != nil ||
		params.MaxTokens != nil || len(params.Stop) > 0 {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     params.Temperature,
			TopP:            params.TopP,
			TopK:            params.TopK,
			MaxOutputTokens: params.MaxTokens,
			StopSequences:   params.Stop,
		}
	}
	return req
}

func (c *GeminiClient) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gemini request failed: %w: %w", err, ErrUpstreamTransient)
	}
	return resp, nil
}

// Generate performs a blocking, non-streaming completion.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.prompt_length", len(prompt)),
	)

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	resp, err := c.post(ctx, url, c.buildRequest(prompt, nil, params))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := classifyGeminiHTTPError(resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-200 from gemini")
		return "", err
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return "", fmt.Errorf("failed to decode gemini response: %w", err)
	}
	if out.Error != nil {
		err := classifyGeminiAPIError(out.Error)
		span.RecordError(err)
		span.SetStatus(codes.Error, "gemini error payload")
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("gemini returned no candidates: %w", ErrUpstreamRequest)
	}

	var sb strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	span.SetStatus(codes.Ok, "generate completed")
	return sb.String(), nil
}

// OpenStream establishes the SSE streaming call. Authentication and
// malformed-request failures surface here, before a handle is returned.
func (c *GeminiClient) OpenStream(ctx context.Context, prompt string, history []datatypes.Message, params GenerationParams) (Stream, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.history_turns", len(history)),
		attribute.Int("llm.prompt_length", len(prompt)),
	)

	streamCtx, cancel := context.WithCancel(ctx)
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	resp, err := c.post(streamCtx, url, c.buildRequest(prompt, history, params))
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err := classifyGeminiHTTPError(resp)
		resp.Body.Close()
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-200 from gemini")
		slog.Error("Gemini stream open failed", "status", resp.StatusCode, "error", err)
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	span.SetStatus(codes.Ok, "stream opened")
	return &geminiStream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
	}, nil
}

// geminiStream reads SSE frames lazily; nothing is pulled from the wire until
// Next is called.
type geminiStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	index     int
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Stream = (*geminiStream)(nil)

func (s *geminiStream) Next(ctx context.Context) (Delta, error) {
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
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return Delta{}, io.EOF
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Debug("Skipping malformed gemini chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return Delta{}, classifyGeminiAPIError(chunk.Error)
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			return Delta{}, fmt.Errorf("gemini blocked prompt (%s): %w",
				chunk.PromptFeedback.BlockReason, ErrContentPolicy)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		cand := chunk.Candidates[0]
		if isPolicyFinish(cand.FinishReason) {
			return Delta{}, fmt.Errorf("gemini finished with %s: %w", cand.FinishReason, ErrContentPolicy)
		}

		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		if sb.Len() == 0 {
			// Metadata-only frame (finish reason, usage counts).
			continue
		}

		d := Delta{Text: sb.String(), Index: s.index}
		s.index++
		return d, nil
	}

	if err := s.scanner.Err(); err != nil {
		if s.closed.Load() {
			return Delta{}, ErrStreamClosed
		}
		if ctx.Err() != nil {
			return Delta{}, ctx.Err()
		}
		return Delta{}, fmt.Errorf("gemini stream read failed: %w: %w", err, ErrUpstreamTransient)
	}
	if s.closed.Load() {
		return Delta{}, ErrStreamClosed
	}
	return Delta{}, io.EOF
}

// Close cancels the request context and closes the response body, which
// unblocks any in-flight Next within the transport's teardown time.
func (s *geminiStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if err := s.body.Close(); err != nil {
			slog.Debug("Error closing gemini stream body", "error", err)
		}
	})
	return nil
}

func isPolicyFinish(reason string) bool {
	switch reason {
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return true
	}
	return false
}

func classifyGeminiHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	detail := strings.TrimSpace(string(body))

	var wrapped geminiResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		detail = wrapped.Error.Message
	}
	return classifyHTTPStatus(resp.StatusCode, detail)
}

func classifyGeminiAPIError(apiErr *geminiAPIError) error {
	if apiErr.Status == "RESOURCE_EXHAUSTED" {
		return fmt.Errorf("gemini error %s: %s: %w", apiErr.Status, apiErr.Message, ErrUpstreamQuota)
	}
	return classifyHTTPStatus(apiErr.Code, apiErr.Message)
}
