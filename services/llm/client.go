// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

var tracer = otel.Tracer("aleutian.llm") // Spans carry the provider name

// GenerationParams holds optional generation parameters passed through to the
// upstream provider. Nil fields fall back to provider defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Delta is one incremental chunk of generated content. Deltas form an
// append-only sequence; Index is the zero-based position within the stream.
type Delta struct {
	Text  string
	Index int
}

// Stream is a lazy, cancellable sequence of deltas from an upstream provider.
//
// # Description
//
// Callers pull deltas with Next until it returns io.EOF (normal exhaustion)
// or a classified upstream error (see errors.go). The consumer controls the
// pace: the provider connection is only read when Next is called, so
// suspending Next suspends the upstream read.
//
// # Thread Safety
//
// Next must not be called concurrently with itself. Close is safe to call at
// any time, including concurrently with an in-flight Next, and releases the
// underlying connection promptly; a Next blocked on the network unblocks with
// an error once Close has run.
type Stream interface {
	// Next blocks until the next delta is available, the stream is exhausted
	// (io.EOF), the context is done, or the upstream fails.
	Next(ctx context.Context) (Delta, error)

	// Close releases the underlying connection. Idempotent.
	Close() error
}

// StreamClient opens streaming generation calls against a model provider.
//
// OpenStream fails fast, before returning a handle, on authentication and
// malformed-request errors; those are never retried at this layer. Transient
// failures (network, upstream 5xx) are reported with ErrUpstreamTransient so
// the caller can decide whether a fresh call is worth opening.
type StreamClient interface {
	OpenStream(ctx context.Context, prompt string, history []datatypes.Message, params GenerationParams) (Stream, error)
}

// LLMClient is the non-streaming generation interface, kept for request paths
// that want a single complete answer (CLI one-shot, smoke checks).
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Drain pulls a stream to exhaustion and concatenates the text. Intended for
// tests and non-streaming callers layered on a StreamClient.
func Drain(ctx context.Context, s Stream) (string, error) {
	var out []byte
	for {
		d, err := s.Next(ctx)
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, d.Text...)
	}
}

// WaitClosed blocks until the stream's connection teardown finishes or the
// grace period lapses. Close itself is prompt; this exists so callers can
// bound teardown explicitly.
func WaitClosed(s Stream, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return fmt.Errorf("stream close exceeded %s grace period", grace)
	}
}
