// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the stream renderer that displays streaming events
// on the terminal.
//
// Renderers only render. They do not parse, read, or manage HTTP.
// Each method handles exactly one event type, enabling clean composition
// with readers and services.

package ux

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Stream Renderer Interface
// =============================================================================

// StreamRenderer renders streaming events to an output destination.
//
// # Description
//
//	Each method handles exactly one event type. The renderer owns all
//	output-related state (spinners, buffers, styles). Callers invoke
//	methods in the order events arrive.
//
// # Thread Safety
//
//	Implementations must be safe for concurrent calls.
//
// # Lifecycle
//
//  1. Create renderer with NewTerminalStreamRenderer()
//  2. Call On* methods as events arrive
//  3. Call Finalize() when the stream ends (always, even on error)
//  4. Call Outcome() to get the aggregated outcome
//
// Example:
//
//	renderer := NewTerminalStreamRenderer(os.Stdout, GetPersonality().Level)
//	defer renderer.Finalize()
//
//	err := reader.Read(ctx, resp.Body, func(event datatypes.StreamEvent) error {
//	    switch event.Type {
//	    case datatypes.EventDelta:
//	        renderer.OnDelta(ctx, event.Content)
//	    case datatypes.EventCompletion:
//	        renderer.OnCompletion(ctx, event.ThreadId, event.HasArtifact)
//	    }
//	    return nil
//	})
//
//	outcome := renderer.Outcome()
type StreamRenderer interface {
	// OnStatus renders a status update (e.g., "Relaying to model...").
	//
	// In interactive mode, may start or update a spinner.
	// In machine mode, prints "STATUS: message".
	OnStatus(ctx context.Context, message string)

	// OnDelta renders one chunk of the assistant's answer.
	//
	// In interactive mode, prints immediately for a streaming effect.
	// In machine mode, buffers until completion.
	//
	// Deltas should be rendered in arrival order; out-of-order rendering
	// produces garbled output.
	OnDelta(ctx context.Context, content string)

	// OnArtifact records a code artifact extracted from the answer.
	//
	// Artifact content already streamed through OnDelta, so interactive
	// modes note the artifact without reprinting it. In machine mode,
	// prints an "ARTIFACT:" marker line.
	OnArtifact(ctx context.Context, language, content string)

	// OnCompletion signals successful stream completion.
	//
	// Stops spinners, flushes buffers, records the thread ID. This is
	// the last On* method called on a successful stream.
	OnCompletion(ctx context.Context, threadID string, hasArtifact bool)

	// OnError renders a stream failure.
	//
	// Stops spinners and displays the error. After OnError, only
	// Finalize() and Outcome() should be called.
	OnError(ctx context.Context, err error)

	// Finalize performs cleanup (stop spinners, flush buffers).
	//
	// MUST be called when streaming ends, even if abnormally.
	// Safe to call multiple times; subsequent calls are no-ops.
	Finalize()

	// Outcome returns the accumulated outcome.
	//
	// May be called before Finalize() for a partial snapshot. The
	// returned value is a copy; mutating it does not affect the renderer.
	Outcome() *StreamOutcome
}

// =============================================================================
// Terminal Stream Renderer
// =============================================================================

// terminalStreamRenderer renders streaming events to an interactive terminal.
//
// # Description
//
//	The primary renderer for user-facing output. Spinners cover the wait
//	before the first delta, then deltas print live. Machine personality
//	buffers everything and emits line-oriented KEY: value output instead.
//
// # Thread Safety
//
//	All methods are protected by a mutex. Safe for concurrent calls.
type terminalStreamRenderer struct {
	writer      io.Writer
	personality PersonalityLevel
	spinner     *Spinner
	outcome     *StreamOutcome
	mu          sync.Mutex

	answerBuilder   strings.Builder
	hasWrittenDelta bool
	finalized       bool
}

// NewTerminalStreamRenderer creates a renderer for interactive terminal output.
//
// Parameters:
//   - w: The output writer. If nil, defaults to os.Stdout.
//   - personality: Controls output styling. Use GetPersonality().Level for
//     the user's configured personality, or hardcode for specific behavior.
//
// The returned renderer has an Id and CreatedAt already set on its
// internal outcome.
func NewTerminalStreamRenderer(w io.Writer, personality PersonalityLevel) StreamRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &terminalStreamRenderer{
		writer:      w,
		personality: personality,
		outcome: &StreamOutcome{
			Id:        uuid.New().String(),
			CreatedAt: time.Now().UnixMilli(),
		},
	}
}

// OnStatus renders a status update message.
//
// Behavior by personality:
//   - Full: Starts or updates a spinner with the message. The spinner
//     runs until the first delta arrives or the stream ends.
//   - Minimal: Same spinner path, but the spinner itself stays silent.
//   - Machine: Prints "STATUS: {message}\n" immediately.
func (r *terminalStreamRenderer) OnStatus(ctx context.Context, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.outcome.TotalEvents++

	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "STATUS: %s\n", message)
		return
	}

	// Start or update spinner
	if r.spinner == nil {
		r.spinner = NewSpinner(message)
		r.spinner.Start()
	} else {
		r.spinner.UpdateMessage(message)
	}
}

// OnDelta renders one chunk of the answer.
//
// Behavior by personality:
//   - Full/Minimal: Prints the chunk immediately, creating a streaming
//     effect. Stops any running spinner on the first delta.
//   - Machine: Buffers the chunk. The full answer prints as a single
//     "ANSWER: {content}" line at completion.
//
// Side Effects:
//   - Sets FirstDeltaAt on first call
//   - Increments TotalDeltas and TotalEvents
//   - Appends to the answer buffer
func (r *terminalStreamRenderer) OnDelta(ctx context.Context, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	if !r.hasWrittenDelta {
		r.outcome.FirstDeltaAt = time.Now().UnixMilli()
		r.hasWrittenDelta = true

		// Stop spinner when the first delta arrives
		if r.spinner != nil {
			r.spinner.Stop()
			r.spinner = nil
			if r.personality != PersonalityMachine {
				fmt.Fprintln(r.writer) // New line after spinner
			}
		}
	}

	r.answerBuilder.WriteString(content)
	r.outcome.TotalDeltas++
	r.outcome.TotalEvents++

	if r.personality == PersonalityMachine {
		// Buffer until completion
		return
	}

	fmt.Fprint(r.writer, content)
}

// OnArtifact records a code artifact extracted from the finished answer.
//
// The artifact body already streamed through OnDelta, so nothing is
// reprinted. Full personality shows a muted marker so the user knows the
// block was captured; machine mode prints an immediate marker line.
func (r *terminalStreamRenderer) OnArtifact(ctx context.Context, language, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.outcome.Artifacts = append(r.outcome.Artifacts, Artifact{
		Language: language,
		Content:  content,
	})
	r.outcome.TotalEvents++

	if r.personality == PersonalityMachine {
		lang := language
		if lang == "" {
			lang = "text"
		}
		fmt.Fprintf(r.writer, "ARTIFACT: language=%s bytes=%d\n", lang, len(content))
		return
	}

	// Artifacts normally arrive after all deltas, but a stream with no
	// deltas can still carry one.
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}

	if r.personality == PersonalityFull {
		lang := language
		if lang == "" {
			lang = "text"
		}
		fmt.Fprintf(r.writer, "\n%s\n", Styles.Muted.Render(fmt.Sprintf("[artifact captured: %s, %d bytes]", lang, len(content))))
	}
}

// OnCompletion signals successful stream completion.
//
// Behavior by personality:
//   - Full/Minimal: Stops any spinner, ensures output ends with a newline
//     for clean terminal state.
//   - Machine: Prints the buffered answer as "ANSWER: {content}", the
//     thread as "THREAD: {id}", and finally "DONE".
//
// After calling, only Finalize() and Outcome() should be called. Further
// On* calls are ignored once Finalize() runs.
func (r *terminalStreamRenderer) OnCompletion(ctx context.Context, threadID string, hasArtifact bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.outcome.ThreadID = threadID
	r.outcome.CompletedAt = time.Now().UnixMilli()
	r.outcome.TotalEvents++

	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}

	if r.personality == PersonalityMachine {
		answer := r.answerBuilder.String()
		if answer != "" {
			fmt.Fprintf(r.writer, "ANSWER: %s\n", answer)
		}
		if threadID != "" {
			fmt.Fprintf(r.writer, "THREAD: %s\n", threadID)
		}
		fmt.Fprintln(r.writer, "DONE")
	} else {
		// Ensure we end with a newline
		answer := r.answerBuilder.String()
		if answer != "" && !strings.HasSuffix(answer, "\n") {
			fmt.Fprintln(r.writer)
		}
	}
}

// OnError renders an error that ended the stream.
//
// Behavior by personality:
//   - Full/Minimal: Displays the error with the error icon and styling.
//   - Machine: Prints "ERROR: {message}".
//
// Side Effects:
//   - Sets Error and CompletedAt in the outcome
//   - Stops the spinner if running
func (r *terminalStreamRenderer) OnError(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.outcome.Error = err.Error()
	r.outcome.CompletedAt = time.Now().UnixMilli()
	r.outcome.TotalEvents++

	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}

	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "ERROR: %v\n", err)
	} else {
		fmt.Fprintf(r.writer, "\n%s %s\n",
			IconError.Render(),
			Styles.Error.Render(fmt.Sprintf("Stream error: %v", err)))
	}
}

// Finalize performs cleanup and marks the renderer as complete.
//
// MUST be called when streaming ends, regardless of whether it ended
// normally (OnCompletion) or with an error (OnError). Safe to call
// multiple times; subsequent calls are no-ops.
//
// Typical usage:
//
//	renderer := NewTerminalStreamRenderer(os.Stdout, personality)
//	defer renderer.Finalize()
func (r *terminalStreamRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true

	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}

	r.outcome.Answer = r.answerBuilder.String()
	if r.outcome.CompletedAt == 0 {
		r.outcome.CompletedAt = time.Now().UnixMilli()
	}
}

// Outcome returns the accumulated StreamOutcome.
//
// May be called before Finalize() for a partial snapshot during
// streaming. Returns a copy; modifications do not affect the renderer's
// internal state.
func (r *terminalStreamRenderer) Outcome() *StreamOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome := *r.outcome
	outcome.Answer = r.answerBuilder.String()
	return &outcome
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamRenderer = (*terminalStreamRenderer)(nil)
