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
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// OllamaClient speaks Ollama's HTTP API: /api/generate for one-shot
// prompts and /api/chat for multi-turn, blocking or NDJSON-streamed.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var (
	_ LLMClient    = (*OllamaClient)(nil)
	_ StreamClient = (*OllamaClient)(nil)
)

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`

	// KeepAlive controls how long the model stays loaded after the request.
	// "-1" = infinite, "5m" = 5 minutes, "0" = unload immediately.
	KeepAlive string `json:"keep_alive,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

// ollamaStreamChunk is one NDJSON line of a streaming chat response.
type ollamaStreamChunk struct {
	Message       datatypes.Message `json:"message"`
	Thinking      string            `json:"thinking,omitempty"`
	Done          bool              `json:"done"`
	DoneReason    string            `json:"done_reason,omitempty"`
	TotalDuration int64             `json:"total_duration,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// NewOllamaClient configures a client from OLLAMA_BASE_URL and
// OLLAMA_MODEL. The base URL is required; the model falls back to
// gpt-oss with a warning.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := strings.TrimSuffix(os.Getenv("OLLAMA_BASE_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "gpt-oss"
		slog.Warn("OLLAMA_MODEL not set, falling back to default", "default_model", model)
	}
	slog.Info("Ollama client ready", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// buildOllamaOptions maps GenerationParams onto Ollama's options
// object, filling the gateway's conservative defaults for anything
// the caller left unset.
func buildOllamaOptions(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

// postJSON marshals payload, POSTs it to path, and returns the
// response body. Non-200 statuses come back as classified errors.
// Everything is recorded on span.
func (o *OllamaClient) postJSON(ctx context.Context, span trace.Span, path string, payload any) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("marshaling ollama request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fail(fmt.Errorf("building ollama request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama call failed", "path", path, "error", err)
		return fail(fmt.Errorf("calling ollama %s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("reading ollama response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(o.classifyErrorResponse(resp.StatusCode, respBody))
	}
	return respBody, nil
}

// Generate implements LLMClient with the one-shot /api/generate form.
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	body, err := o.postJSON(ctx, span, "/api/generate", ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: buildOllamaOptions(params),
	})
	if err != nil {
		return "", err
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Unparseable ollama generate response", "error", err, "response", string(body))
		return "", fmt.Errorf("parsing ollama generate response: %w", err)
	}
	return parsed.Response, nil
}

// Chat performs a blocking multi-turn completion.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	body, err := o.postJSON(ctx, span, "/api/chat", ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options:  buildOllamaOptions(params),
	})
	if err != nil {
		return "", err
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Unparseable ollama chat response", "error", err, "response", string(body))
		return "", fmt.Errorf("parsing ollama chat response: %w", err)
	}
	if parsed.Message.Role != "assistant" {
		slog.Warn("Unexpected role in ollama chat response", "role", parsed.Message.Role)
	}
	return parsed.Message.Content, nil
}

// OpenStream implements the StreamClient interface using the NDJSON streaming
// form of /api/chat. Reasoning ("thinking") tokens are not relayed.
func (o *OllamaClient) OpenStream(ctx context.Context, prompt string, history []datatypes.Message, params GenerationParams) (Stream, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.history_turns", len(history)),
	)

	messages := make([]datatypes.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, datatypes.Message{Role: "user", Content: prompt})

	reqBody, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  buildOllamaOptions(params),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("marshaling ollama stream request: %w", err)
	}

	// The stream context outlives this call; Close cancels it.
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("building ollama stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("opening ollama stream: %w: %w", err, ErrUpstreamTransient)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		cancel()
		classified := o.classifyErrorResponse(resp.StatusCode, respBody)
		span.RecordError(classified)
		span.SetStatus(codes.Error, "non-200 from ollama")
		return nil, classified
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	span.SetStatus(codes.Ok, "stream opened")
	return &ollamaStream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
	}, nil
}

func (o *OllamaClient) classifyErrorResponse(statusCode int, body []byte) error {
	if statusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", o.model)
			return fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s': %w", o.model, o.model, ErrUpstreamRequest)
		}
	}
	slog.Error("Ollama returned an error", "status_code", statusCode, "response", string(body))
	return classifyHTTPStatus(statusCode, strings.TrimSpace(string(body)))
}

// WarmUp loads the configured model into VRAM with an infinite keep_alive so
// the first chat request does not pay the cold-start cost. Ollama unloads
// models that sit idle; keep_alive "-1" pins this one.
func (o *OllamaClient) WarmUp(ctx context.Context) error {
	started := time.Now()
	slog.Info("Warming model", "model", o.model)

	reqBody, err := json.Marshal(ollamaChatRequest{
		Model:     o.model,
		Messages:  []datatypes.Message{{Role: "user", Content: "ping"}},
		Stream:    false,
		KeepAlive: "-1",
		Options:   map[string]any{"num_predict": 1},
	})
	if err != nil {
		return fmt.Errorf("marshaling warmup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("building warmup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending warmup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("warmup returned status %d: %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)

	slog.Info("Model warmed", "model", o.model, "load_duration", time.Since(started))
	return nil
}

// ollamaStream reads NDJSON lines lazily, one chunk per Next call.
type ollamaStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	cancel    context.CancelFunc
	index     int
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Stream = (*ollamaStream)(nil)

func (s *ollamaStream) Next(ctx context.Context) (Delta, error) {
	if s.closed.Load() {
		return Delta{}, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			slog.Warn("Skipping malformed ollama chunk", "error", err)
			continue
		}
		if chunk.Error != "" {
			if strings.Contains(chunk.Error, "not found") {
				return Delta{}, fmt.Errorf("ollama stream error: %s: %w", chunk.Error, ErrUpstreamRequest)
			}
			return Delta{}, fmt.Errorf("ollama stream error: %s: %w", chunk.Error, ErrUpstreamTransient)
		}
		if chunk.Done {
			return Delta{}, io.EOF
		}
		if chunk.Message.Content == "" {
			// Thinking-only or metadata chunk.
			continue
		}

		d := Delta{Text: chunk.Message.Content, Index: s.index}
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
		return Delta{}, fmt.Errorf("ollama stream read failed: %w: %w", err, ErrUpstreamTransient)
	}
	if s.closed.Load() {
		return Delta{}, ErrStreamClosed
	}
	return Delta{}, io.EOF
}

func (s *ollamaStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if err := s.body.Close(); err != nil {
			slog.Debug("Error closing ollama stream body", "error", err)
		}
	})
	return nil
}
