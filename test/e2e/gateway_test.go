// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/relaygate/pkg/extensions"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
	"github.com/AleutianAI/relaygate/services/gateway/handlers"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/routes"
	"github.com/AleutianAI/relaygate/services/gateway/store"
	"github.com/AleutianAI/relaygate/services/llm"
)

// scriptedUpstream serves the same delta sequence for every prompt, so
// the tests can assert on exact CLI output without a live model.
type scriptedUpstream struct {
	deltas []string
}

func (s *scriptedUpstream) OpenStream(ctx context.Context, prompt string, history []datatypes.Message, params llm.GenerationParams) (llm.Stream, error) {
	return &scriptedStream{deltas: s.deltas}, nil
}

type scriptedStream struct {
	deltas []string
	next   int
}

func (s *scriptedStream) Next(ctx context.Context) (llm.Delta, error) {
	if err := ctx.Err(); err != nil {
		return llm.Delta{}, err
	}
	if s.next >= len(s.deltas) {
		return llm.Delta{}, io.EOF
	}
	d := llm.Delta{Text: s.deltas[s.next], Index: s.next}
	s.next++
	return d, nil
}

func (s *scriptedStream) Close() error { return nil }

// startGateway assembles a full in-process gateway the way the server
// main does: memory backends, no auth, and the scripted upstream. The
// returned store is shared so tests can seed threads directly.
func startGateway(t *testing.T, limit int64, deltas []string) (*httptest.Server, store.MessageStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	quota, err := ratelimit.NewMemoryQuotaStore(time.Minute)
	if err != nil {
		t.Fatalf("quota store: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(quota, limit, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	messages := store.NewMemoryMessageStore()

	relay, err := handlers.NewStreamRelay(limiter, &scriptedUpstream{deltas: deltas}, messages, handlers.RelayConfig{
		QueueSize:        8,
		StreamTimeout:    30 * time.Second,
		CloseGrace:       2 * time.Second,
		TransientRetries: 1,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}

	opts := extensions.DefaultOptions()
	opts.AuthProvider = &extensions.NopAuthProvider{}

	chat := handlers.NewChatStreamingHandler(relay, messages, opts, handlers.StreamingConfig{
		HeartbeatInterval: 15 * time.Second,
		MaxHistoryTurns:   20,
	})

	router := gin.New()
	routes.SetupRoutes(router, chat, limiter, messages, opts)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, messages
}

// runCLI executes the built binary against the given gateway with
// machine-readable output, feeding stdin when provided.
func runCLI(t *testing.T, serverURL, stdin string, args ...string) string {
	t.Helper()

	cmd := exec.Command(cliBinary, args...)
	cmd.Env = append(os.Environ(),
		"RELAYGATE_SERVER="+serverURL,
		"RELAYGATE_PERSONALITY=machine",
	)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	// Timeout safety
	timer := time.AfterFunc(60*time.Second, func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})
	defer timer.Stop()

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("CLI %v failed: %v\nOutput: %s", args, err, out)
	}
	return string(out)
}
