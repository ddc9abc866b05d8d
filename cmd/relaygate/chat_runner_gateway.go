// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package main contains the GatewayChatRunner implementation.
//
// This file implements the ChatRunner interface for gateway streaming
// chat. It coordinates between the ChatService, ChatUI, and InputReader
// to provide an interactive chat session, and verifies each response's
// hash chain after the stream closes.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/relaygate/pkg/ux"
)

// =============================================================================
// GatewayChatRunner Implementation
// =============================================================================

// GatewayChatRunner implements ChatRunner for gateway streaming chat.
//
// # Description
//
// GatewayChatRunner manages the interactive chat loop. It coordinates
// the chat service, the UI, and user input, and supports thread resume
// via LoadThreadHistory. Conversation history lives on the gateway, so
// the runner tracks only display state and session statistics.
//
// After each response the runner verifies the event hash chain and
// warns the user when verification fails. Verification results feed
// into the session summary shown at exit.
//
// # Fields
//
//   - service: ChatService for gateway communication
//   - ui: ChatUI for display formatting
//   - input: InputReader for user input (injectable for testing)
//   - verifier: ChainVerifier for response integrity checks
//   - serverURL: Gateway URL shown in the header
//   - budget: Optional rate budget shown in the header
//   - threadID: Thread ID for resume (empty for new conversations)
//   - sessionStartTime: When the session started (for duration tracking)
//   - sessionStats: Accumulated statistics for the session
//   - closed: Flag to ensure Close() is idempotent
//   - mu: Mutex protecting closed flag
//
// # Thread Safety
//
// The runner itself is not designed for concurrent Run() calls.
// However, Close() is thread-safe and can be called from any goroutine.
//
// # Limitations
//
//   - Single use: cannot restart after Run() completes
//   - Thread resume requires the thread to exist on the gateway
//   - Stdin reads cannot be interrupted mid-line (OS limitation)
//
// # Assumptions
//
//   - Service is properly initialized before Run() is called
//   - Thread ID (if provided) exists on the gateway
//   - UI is ready for output
type GatewayChatRunner struct {
	service           ChatService
	ui                ux.ChatUI
	input             InputReader
	verifier          ux.ChainVerifier
	serverURL         string
	budget            *ux.RateBudget
	threadID          string
	sessionStartTime  time.Time
	sessionStats      ux.SessionStats
	totalResponseTime time.Duration
	closed            bool
	mu                sync.Mutex
}

// GatewayChatRunnerConfig holds configuration for creating a chat runner.
//
// # Fields
//
//   - BaseURL: Required. Gateway URL without trailing slash.
//   - Token: Optional. Bearer token for authenticated gateways.
//   - ThreadID: Optional. Resume an existing thread.
//   - Budget: Optional. Rate budget for the header display.
//   - Personality: Optional. Output styling. Default: configured level.
type GatewayChatRunnerConfig struct {
	BaseURL     string
	Token       string
	ThreadID    string
	Budget      *ux.RateBudget
	Personality ux.PersonalityLevel
}

// NewGatewayChatRunner creates a chat runner with production dependencies.
//
// # Description
//
// Creates a fully configured GatewayChatRunner for production use.
// Initializes the gateway chat service, terminal UI, and interactive
// input reader (falling back to plain stdin when piped).
//
// # Inputs
//
//   - config: GatewayChatRunnerConfig with baseURL and optional resume settings
//
// # Outputs
//
//   - ChatRunner: Ready to run chat session (returns interface type)
//
// # Examples
//
//	// Basic usage
//	runner := NewGatewayChatRunner(GatewayChatRunnerConfig{
//	    BaseURL: "http://localhost:8080",
//	})
//	defer runner.Close()
//	runner.Run(context.Background())
//
//	// Resume existing thread
//	runner := NewGatewayChatRunner(GatewayChatRunnerConfig{
//	    BaseURL:  "http://localhost:8080",
//	    ThreadID: "3f2c8a1e-5b4d-4e6f-9a0b-1c2d3e4f5a6b",
//	})
//
// # Limitations
//
//   - Creates real HTTP client and stdin reader (not for unit tests)
//   - Use NewGatewayChatRunnerWithDeps for testing
//
// # Assumptions
//
//   - BaseURL is valid and the gateway is reachable
//   - Terminal is available for UI output
func NewGatewayChatRunner(config GatewayChatRunnerConfig) ChatRunner {
	personality := config.Personality
	if personality == "" {
		personality = ux.GetPersonality().Level
	}

	service := NewGatewayChatService(GatewayChatServiceConfig{
		BaseURL:     config.BaseURL,
		Token:       config.Token,
		ThreadID:    config.ThreadID,
		Writer:      os.Stdout,
		Personality: personality,
	})

	ui := ux.NewChatUI()
	input := NewInteractiveInputReader(50) // Keep last 50 prompts in history

	return &GatewayChatRunner{
		service:   service,
		ui:        ui,
		input:     input,
		verifier:  ux.NewChainVerifier(),
		serverURL: config.BaseURL,
		budget:    config.Budget,
		threadID:  config.ThreadID,
		closed:    false,
	}
}

// NewGatewayChatRunnerWithDeps creates a chat runner with injected dependencies.
//
// # Description
//
// Creates a GatewayChatRunner with injected dependencies for testing.
// Allows mocking of service, UI, and input reader for unit tests.
//
// # Inputs
//
//   - service: ChatService implementation (use a mock for testing)
//   - ui: ChatUI instance (can use NewChatUIWithWriter for testing)
//   - input: InputReader implementation (use MockInputReader for testing)
//   - threadID: Thread ID for resume (empty for new conversations)
//
// # Outputs
//
//   - *GatewayChatRunner: Ready to run chat session (concrete type for testing)
//
// # Examples
//
//	// Test setup with mock service
//	mockInput := NewMockInputReader([]string{"hello", "exit"})
//	var buf bytes.Buffer
//	ui := ux.NewChatUIWithWriter(&buf, ux.PersonalityMachine)
//
//	runner := NewGatewayChatRunnerWithDeps(mockService, ui, mockInput, "")
//	err := runner.Run(context.Background())
//
// # Limitations
//
//   - Caller is responsible for dependency lifecycle
//
// # Assumptions
//
//   - All dependencies are non-nil and properly initialized
func NewGatewayChatRunnerWithDeps(
	service ChatService,
	ui ux.ChatUI,
	input InputReader,
	threadID string,
) *GatewayChatRunner {
	return &GatewayChatRunner{
		service:  service,
		ui:       ui,
		input:    input,
		verifier: ux.NewChainVerifier(),
		threadID: threadID,
		closed:   false,
	}
}

// Run executes the interactive chat loop.
//
// # Description
//
// Runs the main chat loop. The loop:
//  1. Loads thread history if resuming (threadID provided)
//  2. Fetches the rate budget for the header (best effort)
//  3. Displays chat header with server, thread, and budget info
//  4. Prompts for user input
//  5. Checks for exit commands ("exit", "quit")
//  6. Sends message to the gateway and renders the streamed response
//  7. Verifies the response's hash chain, warning on failure
//  8. Repeats until exit or context cancellation
//
// Thread resume:
//   - If threadID is provided, confirms the thread on the gateway
//   - Displays the number of stored messages
//   - Fatal error if the load fails (user expects to resume)
//
// Graceful shutdown:
//   - On context cancellation, displays the session summary and returns
//   - The gateway persists partial responses server-side, so nothing
//     needs flushing from the client
//
// # Inputs
//
//   - ctx: Context for cancellation. Cancel to trigger graceful shutdown.
//
// # Outputs
//
//   - error: nil on normal exit ("exit"/"quit"), context.Canceled on shutdown,
//     or error if a fatal failure occurs (e.g., history load fails)
//
// # Examples
//
//	runner := NewGatewayChatRunner(config)
//	defer runner.Close()
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go func() {
//	    sigCh := make(chan os.Signal, 1)
//	    signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
//	    <-sigCh
//	    cancel()
//	}()
//	err := runner.Run(ctx)
//
// # Limitations
//
//   - Blocks until exit condition
//   - Thread history load failure is fatal
//   - Runner cannot be reused after Run() returns
//
// # Assumptions
//
//   - Service is ready to accept messages
//   - Terminal is available for UI output
func (r *GatewayChatRunner) Run(ctx context.Context) error {
	// Record session start time for duration tracking
	r.sessionStartTime = time.Now()

	// Load thread history if resuming
	if r.threadID != "" {
		if err := r.loadHistory(ctx); err != nil {
			// Fatal error: user expects to resume an existing thread
			log.Fatalf("Failed to load thread history: %v", err)
		}
	}

	// Fetch the rate budget for the header unless one was injected.
	// Best effort: a gateway without the status endpoint still chats.
	budget := r.budget
	if budget == nil {
		budgetCtx, cancelBudget := context.WithTimeout(ctx, 3*time.Second)
		if fetched, err := r.service.FetchRateBudget(budgetCtx); err == nil {
			budget = fetched
		} else {
			slog.Debug("rate budget unavailable for header", "error", err)
		}
		cancelBudget()
	}

	// Display header
	r.ui.Header(ux.HeaderConfig{
		Server:   r.serverURL,
		ThreadID: r.service.ThreadID(),
		Budget:   budget,
	})

	// Main chat loop
	for {
		// Check for context cancellation before blocking on input
		select {
		case <-ctx.Done():
			return r.handleShutdown(ctx)
		default:
			// Continue to read input
		}

		// Display prompt and read input
		// If the reader handles prompts (interactive mode), set it; otherwise print manually
		if p, ok := r.input.(PromptingInputReader); ok {
			p.SetPrompt(r.ui.Prompt())
		} else {
			fmt.Print(r.ui.Prompt())
		}
		input, err := r.input.ReadLine()
		if err != nil {
			if err == io.EOF {
				// Input exhausted (e.g., piped input ended)
				r.displaySessionEndWithStats()
				return nil
			}
			slog.Error("failed to read input", "error", err)
			return fmt.Errorf("read input: %w", err)
		}

		// Skip empty input
		if input == "" {
			continue
		}

		// Echo the user's input for interactive readers
		// Bubbletea clears its rendering area on exit, so we restore the visual line
		if _, isInteractive := r.input.(*InteractiveInputReader); isInteractive {
			fmt.Printf("%s%s\n", r.ui.Prompt(), input)
		}

		// Check for exit command
		if isExitCommand(input) {
			r.displaySessionEndWithStats()
			return nil
		}

		// Process the message
		if err := r.handleMessage(ctx, input); err != nil {
			// Check if error is due to context cancellation
			if ctx.Err() != nil {
				return r.handleShutdown(ctx)
			}
			// Non-fatal error: display and continue
			r.ui.Error(err)
			continue
		}
	}
}

// loadHistory confirms the resumed thread on the gateway.
//
// # Description
//
// Fetches the thread's stored message count from the gateway and
// displays it via the UI. The gateway keeps the conversation state
// itself, so nothing is replayed locally.
//
// # Assumptions
//
//   - r.threadID is non-empty (caller validates)
func (r *GatewayChatRunner) loadHistory(ctx context.Context) error {
	messages, err := r.service.LoadThreadHistory(ctx, r.threadID)
	if err != nil {
		return err
	}
	r.ui.ThreadResume(r.threadID, messages)
	return nil
}

// handleMessage processes a single user message.
//
// # Description
//
// Sends the message to the gateway. The response is rendered in
// real-time as deltas arrive via the StreamRenderer, so no spinner is
// needed. After the stream closes, the event hash chain is verified
// and a warning is shown when verification fails. Accumulates
// statistics from the outcome for the session summary.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - message: User's input message
//
// # Outputs
//
//   - error: Non-nil if the service call failed
//
// # Assumptions
//
//   - Message is non-empty (caller validates)
func (r *GatewayChatRunner) handleMessage(ctx context.Context, message string) error {
	outcome, err := r.service.SendMessage(ctx, message)
	if err != nil {
		return err
	}

	// Verify the hash chain over everything the stream delivered
	verification := r.verifier.Verify(outcome.Events)
	if !verification.Valid {
		r.ui.IntegrityWarning(verification.Summary())
	}

	// Accumulate session statistics from this exchange
	r.accumulateStats(outcome, verification)

	// Response already displayed during streaming
	// via StreamRenderer.OnDelta(), OnCompletion() callbacks
	fmt.Println()

	return nil
}

// accumulateStats updates session statistics from a stream outcome.
//
// # Description
//
// Aggregates metrics from a single exchange into the session totals,
// including the chain verification verdict. Called after each
// successful message for the session summary.
//
// # Inputs
//
//   - outcome: Stream outcome from the message exchange
//   - verification: Chain verification result for the outcome's events
//
// # Outputs
//
// None. Updates r.sessionStats in place.
//
// # Assumptions
//
//   - Outcome and verification are non-nil (caller validates)
func (r *GatewayChatRunner) accumulateStats(outcome *ux.StreamOutcome, verification *ux.ChainVerificationResult) {
	r.sessionStats.MessageCount++
	r.sessionStats.TotalDeltas += outcome.TotalDeltas
	r.sessionStats.ArtifactCount += len(outcome.Artifacts)

	if verification.Valid {
		r.sessionStats.VerifiedStreams++
	} else {
		r.sessionStats.TamperedStreams++
	}

	r.totalResponseTime += outcome.Duration()

	// Track first response latency (only for first message)
	if r.sessionStats.MessageCount == 1 {
		r.sessionStats.FirstResponseLatency = outcome.TimeToFirstDelta()
	}
}

// displaySessionEndWithStats displays session end with accumulated statistics.
//
// # Description
//
// Finalizes session statistics and displays the rich session end
// summary. Calculates session duration from start time.
//
// # Limitations
//
//   - Duration is approximate (wall clock time)
//
// # Assumptions
//
//   - Session start time was recorded
func (r *GatewayChatRunner) displaySessionEndWithStats() {
	// Finalize duration
	r.sessionStats.Duration = time.Since(r.sessionStartTime)
	if r.sessionStats.MessageCount > 0 {
		r.sessionStats.AverageResponseTime = r.totalResponseTime / time.Duration(r.sessionStats.MessageCount)
	}

	// Display rich session end
	r.ui.SessionEndRich(r.service.ThreadID(), &r.sessionStats)
}

// handleShutdown performs graceful shutdown.
//
// # Description
//
// Called when the context is cancelled. Logs the thread ID for
// potential resume and displays the session summary. The gateway
// persists conversation history and partial responses server-side, so
// there is no client-side state to flush.
//
// # Inputs
//
//   - ctx: The cancelled context
//
// # Outputs
//
//   - error: The context's error (typically context.Canceled)
//
// # Assumptions
//
//   - Context is already cancelled
func (r *GatewayChatRunner) handleShutdown(ctx context.Context) error {
	threadID := r.service.ThreadID()
	slog.Info("graceful shutdown initiated",
		"thread_id", threadID,
	)

	// Display session end with statistics
	fmt.Println() // New line after interrupted input
	r.displaySessionEndWithStats()

	return ctx.Err()
}

// Close releases all resources held by the runner.
//
// # Description
//
// Closes the underlying chat service and marks the runner as closed.
// Safe to call multiple times (idempotent).
// Should be called after Run() returns, typically via defer.
//
// # Outputs
//
//   - error: Non-nil if service Close() failed
//
// # Examples
//
//	runner := NewGatewayChatRunner(config)
//	defer runner.Close()  // Always close, even on error
//	err := runner.Run(ctx)
//
// # Limitations
//
//   - Does not interrupt Run() if still executing
//
// # Assumptions
//
//   - Run() has returned (or was never called)
func (r *GatewayChatRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil // Already closed, idempotent
	}

	r.closed = true
	return r.service.Close()
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ ChatRunner = (*GatewayChatRunner)(nil)
