// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP and WebSocket request
// handlers: chat streaming over SSE and WebSocket, thread management,
// and quota status.
//
// The core of the package is StreamRelay, which carries one admitted
// chat request through its full lifecycle: admission against the rate
// limiter, opening the upstream model stream, pumping deltas through a
// bounded queue to the caller, and persisting the assembled answer.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
	"github.com/AleutianAI/relaygate/services/gateway/observability"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/store"
	"github.com/AleutianAI/relaygate/services/llm"
)

var relayTracer = otel.Tracer("aleutian.gateway.handlers.relay")

// ErrCallerDisconnected marks sessions that ended because the caller
// went away: the transport write failed or the request context was
// canceled mid-stream.
var ErrCallerDisconnected = errors.New("caller disconnected")

// =============================================================================
// Lifecycle States
// =============================================================================

// RelayState identifies where a relay session is in its lifecycle.
type RelayState string

const (
	// StateReserving is the admission check against the rate limiter.
	StateReserving RelayState = "reserving"

	// StateOpening is the upstream call being established.
	StateOpening RelayState = "opening"

	// StateStreaming is deltas flowing from upstream to the caller.
	StateStreaming RelayState = "streaming"

	// StateFinalizing is answer assembly, persistence, and teardown.
	StateFinalizing RelayState = "finalizing"

	// StateCompleted is the terminal state of a fully delivered stream.
	StateCompleted RelayState = "completed"

	// StateAborted is the terminal state of a session that ended early:
	// rejected, disconnected, timed out, or upstream failure.
	StateAborted RelayState = "aborted"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultQueueSize bounds the delta queue between the upstream
	// reader and the client writer. When the queue is full the upstream
	// read suspends instead of buffering further.
	DefaultQueueSize = 8

	// DefaultStreamTimeout caps one session from upstream open through
	// stream exhaustion.
	DefaultStreamTimeout = 5 * time.Minute

	// DefaultCloseGrace bounds upstream connection teardown.
	DefaultCloseGrace = 5 * time.Second

	// DefaultTransientRetries is how many fresh upstream calls may
	// follow a transient failure before any delta has been produced.
	DefaultTransientRetries = 1
)

// RelayConfig tunes one StreamRelay. Zero values are invalid; start
// from DefaultRelayConfig.
type RelayConfig struct {
	// QueueSize is the delta queue capacity. Minimum 1.
	QueueSize int

	// StreamTimeout spans upstream open through stream exhaustion.
	StreamTimeout time.Duration

	// CloseGrace bounds how long teardown of the upstream connection
	// may take before it is abandoned with a warning.
	CloseGrace time.Duration

	// TransientRetries is the number of fresh upstream calls allowed
	// after a transient failure, only while no delta has been produced.
	TransientRetries int
}

// DefaultRelayConfig returns the production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		QueueSize:        DefaultQueueSize,
		StreamTimeout:    DefaultStreamTimeout,
		CloseGrace:       DefaultCloseGrace,
		TransientRetries: DefaultTransientRetries,
	}
}

// =============================================================================
// StreamRelay
// =============================================================================

// StreamRelay moves model output from an upstream provider to a
// connected caller, one session at a time.
//
// # Description
//
// A relay session advances through reserving, opening, streaming, and
// finalizing, ending in completed or aborted. The relay owns the
// ordering guarantee: deltas are delivered in production order through
// a bounded queue, and what gets persisted is exactly what was
// delivered. Admission slots are refunded only for sessions that abort
// before the upstream produced anything.
//
// # Thread Safety
//
// A StreamRelay is immutable after construction and safe for
// concurrent Run calls; all per-session state lives in the Run frame.
type StreamRelay struct {
	limiter  *ratelimit.Limiter
	upstream llm.StreamClient
	messages store.MessageStore
	cfg      RelayConfig
}

// NewStreamRelay creates a StreamRelay from its collaborators.
//
// # Inputs
//
//   - limiter: Admission control. Required.
//   - upstream: Provider stream client. Required.
//   - messages: Message persistence. Required.
//   - cfg: Tuning; validated field by field.
func NewStreamRelay(limiter *ratelimit.Limiter, upstream llm.StreamClient, messages store.MessageStore, cfg RelayConfig) (*StreamRelay, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if upstream == nil {
		return nil, fmt.Errorf("upstream stream client is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.StreamTimeout <= 0 {
		return nil, fmt.Errorf("stream timeout must be positive, got %s", cfg.StreamTimeout)
	}
	if cfg.CloseGrace <= 0 {
		return nil, fmt.Errorf("close grace must be positive, got %s", cfg.CloseGrace)
	}
	if cfg.TransientRetries < 0 {
		return nil, fmt.Errorf("transient retries must be non-negative, got %d", cfg.TransientRetries)
	}
	return &StreamRelay{
		limiter:  limiter,
		upstream: upstream,
		messages: messages,
		cfg:      cfg,
	}, nil
}

// =============================================================================
// Session Input and Result
// =============================================================================

// RelaySession describes one chat exchange to relay.
type RelaySession struct {
	// Identity is the authenticated caller, charged for admission and
	// recorded as the owner of persisted messages.
	Identity string

	// ThreadID is the conversation the exchange belongs to.
	ThreadID string

	// Prompt is the user's message text.
	Prompt string

	// History is prior conversation turns, oldest first.
	History []datatypes.Message

	// Params are optional generation parameters forwarded upstream.
	Params llm.GenerationParams

	// BeginDelivery is called exactly once, after admission succeeds
	// and before the upstream call opens. It commits the caller's
	// response to streaming (transport headers, initial status event)
	// and returns the writer deltas are delivered through. Rejected
	// sessions never reach it, so rejections can still be plain
	// responses. Returning an error aborts the session and refunds the
	// admission slot.
	BeginDelivery func(ctx context.Context) (EventWriter, error)
}

// RelayResult is the settled outcome of one Run call.
type RelayResult struct {
	// State is the terminal state, StateCompleted or StateAborted.
	State RelayState

	// Answer is the assembled answer text. Empty when accumulation
	// failed or nothing was delivered.
	Answer string

	// AnswerHash is the SHA-256 hex digest of Answer.
	AnswerHash string

	// Produced counts deltas read from the upstream.
	Produced int

	// Delivered counts deltas written to the caller.
	Delivered int

	// Partial marks an aborted session that delivered at least one
	// delta; the persisted message is flagged the same way.
	Partial bool

	// Persisted reports whether the assistant message reached the store.
	Persisted bool

	// Refunded reports whether the admission slot was returned.
	Refunded bool

	// FirstDeltaAt is when the first delta reached the caller; zero
	// when none did.
	FirstDeltaAt time.Time

	// Err is the failure that ended an aborted session. Nil when
	// completed.
	Err error
}

// Completed reports whether the session reached StateCompleted.
func (r *RelayResult) Completed() bool {
	return r.State == StateCompleted
}

// RateLimited unpacks the rejection details when the session was
// refused admission.
func (r *RelayResult) RateLimited() (*ratelimit.RateLimitedError, bool) {
	var rle *ratelimit.RateLimitedError
	if errors.As(r.Err, &rle) {
		return rle, true
	}
	return nil, false
}

// Disconnected reports whether the session ended because the caller
// went away.
func (r *RelayResult) Disconnected() bool {
	return errors.Is(r.Err, ErrCallerDisconnected)
}

// TimedOut reports whether the session hit the stream timeout.
func (r *RelayResult) TimedOut() bool {
	return errors.Is(r.Err, context.DeadlineExceeded)
}

// relayRun is the mutable state of one Run invocation. produced is
// written by the producer goroutine; everything else belongs to the
// writer side.
type relayRun struct {
	id           string
	state        RelayState
	writer       EventWriter
	acc          DeltaAccumulator
	produced     atomic.Int64
	delivered    int
	firstDeltaAt time.Time
}

// advance moves the run to the next lifecycle state.
func (r *relayRun) advance(next RelayState) {
	slog.Debug("Relay state transition",
		"session_id", r.id,
		"from", r.state,
		"to", next,
	)
	r.state = next
}

// =============================================================================
// Run
// =============================================================================

// Run executes one relay session through its full lifecycle. The
// result is always non-nil.
//
// # Description
//
// Run admits the session against the rate limiter, commits the caller
// to streaming via BeginDelivery, opens the upstream call, and pumps
// deltas through a bounded queue to the caller while accumulating them
// for persistence. The session completes only when the upstream
// exhausted normally and every produced delta was delivered; any other
// ending is an abort whose cause is carried in the result's Err.
//
// The admission slot is refunded if and only if the session aborts
// before any delta was produced. From the first produced delta the
// slot is charged, even when the caller never saw the delta.
//
// Persistence runs on a context detached from the caller's, so a
// disconnect cannot cancel the partial-message write. Persistence
// failures are logged and counted but never change the outcome.
func (r *StreamRelay) Run(ctx context.Context, sess RelaySession) *RelayResult {
	ctx, span := relayTracer.Start(ctx, "StreamRelay.Run")
	defer span.End()

	res := &RelayResult{State: StateAborted}

	if sess.BeginDelivery == nil {
		res.Err = fmt.Errorf("begin delivery callback is required")
		return res
	}

	run := &relayRun{id: uuid.New().String(), state: StateReserving}
	span.SetAttributes(
		attribute.String("relay.session_id", run.id),
		attribute.String("relay.thread_id", sess.ThreadID),
	)

	// 1. Admission. A rejected or failed acquire never touches the
	// upstream or the caller's response.
	reservation, err := r.limiter.TryAcquire(ctx, sess.Identity)
	if err != nil {
		res.Err = err
		slog.Info("Relay session rejected at admission",
			"session_id", run.id,
			"identity", sess.Identity,
			"error", err,
		)
		return res
	}

	// Settlement and the outcome log must survive caller disconnect,
	// and must see the final refund decision. The slot is refunded only
	// when the session aborted before anything was produced.
	settleCtx := context.WithoutCancel(ctx)
	defer func() {
		if res.State == StateAborted && run.produced.Load() == 0 {
			if rerr := r.limiter.Release(settleCtx, reservation); rerr != nil {
				slog.Warn("Failed to refund admission slot",
					"session_id", run.id,
					"identity", sess.Identity,
					"error", rerr,
				)
			} else {
				res.Refunded = true
			}
		} else {
			reservation.Commit()
		}
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		slog.Info("Relay session finished",
			"session_id", run.id,
			"thread_id", sess.ThreadID,
			"state", res.State,
			"produced", res.Produced,
			"delivered", res.Delivered,
			"partial", res.Partial,
			"persisted", res.Persisted,
			"refunded", res.Refunded,
		)
	}()

	// 2. Commit the caller to streaming. Past this point failures are
	// reported in-stream, not as plain responses.
	writer, err := sess.BeginDelivery(ctx)
	if err != nil {
		res.Err = fmt.Errorf("begin delivery: %w", err)
		return res
	}
	run.writer = writer

	acc, err := NewDeltaAccumulator()
	if err != nil {
		res.Err = fmt.Errorf("allocate delta accumulator: %w", err)
		return res
	}
	defer acc.Destroy()
	run.acc = acc

	// 3. Open and pump, under the stream timeout. The timeout covers
	// everything from here to stream exhaustion.
	streamCtx, cancel := context.WithTimeout(ctx, r.cfg.StreamTimeout)
	defer cancel()

	var stream llm.Stream
	var pumpErr error

	for attempt := 0; ; attempt++ {
		run.advance(StateOpening)
		stream, err = r.upstream.OpenStream(streamCtx, sess.Prompt, sess.History, sess.Params)
		if err != nil {
			if llm.IsTransient(err) && attempt < r.cfg.TransientRetries {
				slog.Warn("Transient failure opening upstream stream, retrying",
					"session_id", run.id,
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
			if errors.Is(err, context.Canceled) {
				// The caller went away while the call was being set up.
				res.Err = fmt.Errorf("%w: %w", ErrCallerDisconnected, err)
				return res
			}
			res.Err = fmt.Errorf("open upstream stream: %w", err)
			return res
		}

		run.advance(StateStreaming)
		pumpErr = r.pump(streamCtx, run, stream)

		// A fresh call is only safe while the caller has seen nothing:
		// once a delta was produced a retry could duplicate output.
		if pumpErr != nil && run.produced.Load() == 0 &&
			llm.IsTransient(pumpErr) && attempt < r.cfg.TransientRetries {
			if cerr := llm.WaitClosed(stream, r.cfg.CloseGrace); cerr != nil {
				slog.Warn("Upstream stream close did not finish cleanly before retry",
					"session_id", run.id,
					"error", cerr,
				)
			}
			slog.Warn("Transient failure before first delta, retrying",
				"session_id", run.id,
				"attempt", attempt+1,
				"error", pumpErr,
			)
			continue
		}
		break
	}

	// 4. Finalize. Teardown runs alongside persistence, bounded by the
	// close grace.
	run.advance(StateFinalizing)

	closeCh := make(chan error, 1)
	go func() { closeCh <- llm.WaitClosed(stream, r.cfg.CloseGrace) }()

	completed := pumpErr == nil
	r.finalize(settleCtx, run, sess, res, completed)

	if cerr := <-closeCh; cerr != nil {
		slog.Warn("Upstream stream close did not finish cleanly",
			"session_id", run.id,
			"error", cerr,
		)
	}

	res.Produced = int(run.produced.Load())
	res.Delivered = run.delivered
	res.FirstDeltaAt = run.firstDeltaAt

	if completed {
		run.advance(StateCompleted)
		res.State = StateCompleted
	} else {
		run.advance(StateAborted)
		res.Err = pumpErr
		res.Partial = run.delivered > 0
	}

	return res
}

// =============================================================================
// Pump
// =============================================================================

// pump moves deltas from the upstream stream to the caller through the
// bounded queue until the stream is exhausted or either side fails.
//
// # Description
//
// A single producer goroutine reads the upstream and blocks when the
// queue is full, so a slow caller suspends the upstream read instead
// of growing memory. The writer side delivers in production order and
// accumulates exactly what it delivered, keeping a persisted partial
// equal to what the caller actually received. On a transport write
// failure the producer is canceled and the queue drained so it can
// exit.
//
// Returns nil on normal exhaustion. Caller-side failures are wrapped
// in ErrCallerDisconnected; upstream and deadline errors pass through
// so the caller can classify them.
func (r *StreamRelay) pump(ctx context.Context, run *relayRun, stream llm.Stream) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan string, r.cfg.QueueSize)
	prodErr := make(chan error, 1)

	go func() {
		defer close(queue)
		for {
			delta, err := stream.Next(pumpCtx)
			if err != nil {
				prodErr <- err
				return
			}
			run.produced.Add(1)
			select {
			case queue <- delta.Text:
			case <-pumpCtx.Done():
				prodErr <- pumpCtx.Err()
				return
			}
		}
	}()

	var writeErr error
	for text := range queue {
		if writeErr != nil {
			// Drain so the producer can finish and report.
			continue
		}
		if err := run.writer.WriteDelta(text); err != nil {
			writeErr = err
			cancel()
			continue
		}
		if run.firstDeltaAt.IsZero() {
			run.firstDeltaAt = time.Now()
		}
		run.delivered++
		if err := run.acc.Write(text); err != nil {
			// Delivery continues; Finalize will fail and the message
			// is counted as a persistence failure instead.
			slog.Warn("Delta accumulation failed",
				"session_id", run.id,
				"accumulator_id", run.acc.ID(),
				"error", err,
			)
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordDelta()
		}
	}

	perr := <-prodErr
	if errors.Is(perr, io.EOF) {
		perr = nil
	}

	if writeErr != nil {
		return fmt.Errorf("%w: %w", ErrCallerDisconnected, writeErr)
	}
	if perr != nil && errors.Is(perr, context.Canceled) {
		// The request context went away mid-stream.
		return fmt.Errorf("%w: %w", ErrCallerDisconnected, perr)
	}
	return perr
}

// =============================================================================
// Finalize
// =============================================================================

// finalize assembles the answer and persists the assistant message.
// Persistence failures are logged and counted, never surfaced to the
// caller; the detached context keeps a disconnect from canceling the
// write.
func (r *StreamRelay) finalize(ctx context.Context, run *relayRun, sess RelaySession, res *RelayResult, completed bool) {
	answer, hashStr, err := run.acc.Finalize()
	if err != nil {
		slog.Error("Failed to finalize delta accumulator",
			"session_id", run.id,
			"accumulator_id", run.acc.ID(),
			"error", err,
		)
		recordPersistenceFailure()
		return
	}

	res.Answer = answer
	res.AnswerHash = hashStr

	// An abort that delivered nothing leaves no partial to keep. A
	// completed stream is persisted even when empty, so the thread
	// records that the exchange happened.
	if !completed && run.delivered == 0 {
		return
	}

	msg := &store.Message{
		ThreadID: sess.ThreadID,
		Identity: sess.Identity,
		Role:     "assistant",
		Content:  answer,
		Partial:  !completed,
	}
	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		slog.Error("Failed to persist assistant message",
			"session_id", run.id,
			"thread_id", sess.ThreadID,
			"partial", !completed,
			"error", err,
		)
		recordPersistenceFailure()
		return
	}

	res.Persisted = true
	slog.Debug("Persisted assistant message",
		"session_id", run.id,
		"thread_id", sess.ThreadID,
		"partial", !completed,
		"delta_count", run.acc.DeltaCount(),
		"answer_hash", hashStr[:16]+"...",
	)
}

// recordPersistenceFailure bumps both the dedicated persistence counter
// and the labeled error counter.
func recordPersistenceFailure() {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordPersistenceFailure()
		m.RecordError(observability.ErrorKindPersistence)
	}
}
