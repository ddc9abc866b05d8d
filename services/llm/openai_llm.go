// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

var (
	_ LLMClient    = (*OpenAIClient)(nil)
	_ StreamClient = (*OpenAIClient)(nil)
)

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

func (o *OpenAIClient) buildMessages(prompt string, history []datatypes.Message) []openai.ChatCompletionMessage {
	systemRoleContent := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")
	if systemRoleContent == "" {
		systemRoleContent = "You are a helpful assistant."
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleSystem, Content: systemRoleContent,
	})
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})
	return messages
}

func (o *OpenAIClient) buildRequest(prompt string, history []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: o.buildMessages(prompt, history),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(prompt, nil, params))
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices: %w", ErrUpstreamRequest)
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// OpenStream implements the StreamClient interface. The SDK surfaces auth and
// request failures from the initial call, so a returned handle means the
// upstream accepted the request.
func (o *OpenAIClient) OpenStream(ctx context.Context, prompt string, history []datatypes.Message, params GenerationParams) (Stream, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.OpenStream")
	defer span.End()

	req := o.buildRequest(prompt, history, params)
	req.Stream = true

	sdkStream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		classified := classifyOpenAIError(err)
		span.RecordError(classified)
		slog.Error("OpenAI stream open failed", "error", err)
		return nil, classified
	}
	return &openaiStream{stream: sdkStream}, nil
}

type openaiStream struct {
	stream    *openai.ChatCompletionStream
	index     int
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Stream = (*openaiStream)(nil)

func (s *openaiStream) Next(ctx context.Context) (Delta, error) {
	if s.closed.Load() {
		return Delta{}, ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Delta{}, io.EOF
			}
			if s.closed.Load() {
				return Delta{}, ErrStreamClosed
			}
			if ctx.Err() != nil {
				return Delta{}, ctx.Err()
			}
			return Delta{}, classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason == openai.FinishReasonContentFilter {
			return Delta{}, fmt.Errorf("openai finished with content_filter: %w", ErrContentPolicy)
		}
		if choice.Delta.Content == "" {
			continue
		}

		d := Delta{Text: choice.Delta.Content, Index: s.index}
		s.index++
		return d, nil
	}
}

// Close closes the underlying SDK stream, which closes the response body and
// unblocks any Recv in flight.
func (s *openaiStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := s.stream.Close(); err != nil {
			slog.Debug("Error closing openai stream", "error", err)
		}
	})
	return nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return classifyHTTPStatus(reqErr.HTTPStatusCode, reqErr.Error())
		}
		return fmt.Errorf("OpenAI request failed: %w: %w", err, ErrUpstreamTransient)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("OpenAI call failed: %w: %w", err, ErrUpstreamTransient)
}
