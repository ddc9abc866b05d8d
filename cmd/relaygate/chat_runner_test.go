// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/AleutianAI/relaygate/pkg/ux"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// =============================================================================
// Test Helpers
// =============================================================================

// mockChatService implements ChatService for runner tests.
type mockChatService struct {
	sendFunc     func(ctx context.Context, prompt string) (*ux.StreamOutcome, error)
	outcome      *ux.StreamOutcome
	sendErr      error
	threadID     string
	historyCount int
	budget       *ux.RateBudget
	sentMessages []string
	closed       bool
}

func (m *mockChatService) SendMessage(ctx context.Context, prompt string) (*ux.StreamOutcome, error) {
	m.sentMessages = append(m.sentMessages, prompt)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, prompt)
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	outcome := m.outcome
	if outcome == nil {
		outcome = &ux.StreamOutcome{}
	}
	if outcome.ThreadID != "" {
		m.threadID = outcome.ThreadID
	}
	return outcome, nil
}

func (m *mockChatService) LoadThreadHistory(ctx context.Context, threadID string) (int, error) {
	m.threadID = threadID
	return m.historyCount, nil
}

func (m *mockChatService) FetchRateBudget(ctx context.Context) (*ux.RateBudget, error) {
	if m.budget == nil {
		return nil, fmt.Errorf("status endpoint unavailable")
	}
	return m.budget, nil
}

func (m *mockChatService) ThreadID() string {
	return m.threadID
}

func (m *mockChatService) Close() error {
	m.closed = true
	return nil
}

// chainEvents links events into a valid hash chain in order.
func chainEvents(events ...datatypes.StreamEvent) []datatypes.StreamEvent {
	hasher := ux.NewEventHasher()
	prevHash := ""
	for i := range events {
		events[i].PrevHash = prevHash
		events[i].Hash = hasher.HashEvent(events[i])
		prevHash = events[i].Hash
	}
	return events
}

// successOutcome builds an outcome whose event chain verifies clean.
func successOutcome(answer, threadID string) *ux.StreamOutcome {
	events := chainEvents(
		datatypes.StreamEvent{Id: "e1", Type: datatypes.EventDelta, CreatedAt: 1000, Content: answer},
		datatypes.StreamEvent{Id: "e2", Type: datatypes.EventCompletion, CreatedAt: 1050, ThreadId: threadID},
	)
	return &ux.StreamOutcome{
		Answer:      answer,
		ThreadID:    threadID,
		Events:      events,
		TotalDeltas: 1,
		TotalEvents: len(events),
	}
}

// tamperedOutcome builds an outcome whose content was altered after hashing.
func tamperedOutcome(threadID string) *ux.StreamOutcome {
	events := chainEvents(
		datatypes.StreamEvent{Id: "e1", Type: datatypes.EventDelta, CreatedAt: 1000, Content: "original"},
		datatypes.StreamEvent{Id: "e2", Type: datatypes.EventCompletion, CreatedAt: 1050, ThreadId: threadID},
	)
	events[0].Content = "altered"
	return &ux.StreamOutcome{
		Answer:      "altered",
		ThreadID:    threadID,
		Events:      events,
		TotalDeltas: 1,
		TotalEvents: len(events),
	}
}

// newTestRunner wires a runner with a machine-mode UI writing to a buffer.
func newTestRunner(service ChatService, inputs []string, threadID string) (*GatewayChatRunner, *bytes.Buffer) {
	var buf bytes.Buffer
	ui := ux.NewChatUIWithWriter(&buf, ux.PersonalityMachine)
	input := NewMockInputReader(inputs)
	return NewGatewayChatRunnerWithDeps(service, ui, input, threadID), &buf
}

// =============================================================================
// Run Loop Tests
// =============================================================================

func TestGatewayChatRunner_ExitCommand(t *testing.T) {
	service := &mockChatService{}
	runner, buf := newTestRunner(service, []string{"exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "CHAT_START:") {
		t.Errorf("expected header in output, got %q", output)
	}
	if !strings.Contains(output, "CHAT_END:") {
		t.Errorf("expected session end in output, got %q", output)
	}
	if len(service.sentMessages) != 0 {
		t.Errorf("expected no messages sent, got %v", service.sentMessages)
	}
}

func TestGatewayChatRunner_QuitCommand(t *testing.T) {
	service := &mockChatService{}
	runner, buf := newTestRunner(service, []string{"quit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !strings.Contains(buf.String(), "CHAT_END:") {
		t.Errorf("expected session end, got %q", buf.String())
	}
}

func TestGatewayChatRunner_EOFEndsSession(t *testing.T) {
	service := &mockChatService{}
	runner, buf := newTestRunner(service, []string{}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed on EOF: %v", err)
	}

	if !strings.Contains(buf.String(), "CHAT_END:") {
		t.Errorf("expected session end on EOF, got %q", buf.String())
	}
}

func TestGatewayChatRunner_EmptyInputSkipped(t *testing.T) {
	service := &mockChatService{outcome: successOutcome("hi", "th-1")}
	runner, _ := newTestRunner(service, []string{"", "   ", "exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// "   " reaches the service because MockInputReader does not trim;
	// only the truly empty line is skipped
	if len(service.sentMessages) != 1 {
		t.Errorf("expected 1 message sent, got %v", service.sentMessages)
	}
}

func TestGatewayChatRunner_SendsMessage(t *testing.T) {
	service := &mockChatService{outcome: successOutcome("The answer", "th-42")}
	runner, buf := newTestRunner(service, []string{"what is up", "exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(service.sentMessages) != 1 || service.sentMessages[0] != "what is up" {
		t.Errorf("expected message forwarded to service, got %v", service.sentMessages)
	}

	output := buf.String()
	if !strings.Contains(output, "thread=th-42") {
		t.Errorf("expected thread in session end, got %q", output)
	}
	if !strings.Contains(output, "messages=1") {
		t.Errorf("expected message count in session end, got %q", output)
	}
	if !strings.Contains(output, "verified=1 tampered=0") {
		t.Errorf("expected clean verification in session end, got %q", output)
	}
}

func TestGatewayChatRunner_AccumulatesAcrossMessages(t *testing.T) {
	service := &mockChatService{outcome: successOutcome("answer", "th-1")}
	runner, buf := newTestRunner(service, []string{"one", "two", "exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "messages=2") {
		t.Errorf("expected 2 messages in session end, got %q", output)
	}
	if !strings.Contains(output, "deltas=2") {
		t.Errorf("expected accumulated deltas in session end, got %q", output)
	}
	if !strings.Contains(output, "verified=2") {
		t.Errorf("expected 2 verified streams in session end, got %q", output)
	}
}

func TestGatewayChatRunner_ServiceErrorContinues(t *testing.T) {
	service := &mockChatService{sendErr: fmt.Errorf("gateway unreachable")}
	runner, buf := newTestRunner(service, []string{"hello", "exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run should continue after service errors, got %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "CHAT_ERROR:") {
		t.Errorf("expected error display, got %q", output)
	}
	if !strings.Contains(output, "gateway unreachable") {
		t.Errorf("expected error message, got %q", output)
	}
	if !strings.Contains(output, "messages=0") {
		t.Errorf("expected failed exchange excluded from stats, got %q", output)
	}
}

func TestGatewayChatRunner_TamperedStreamWarns(t *testing.T) {
	service := &mockChatService{outcome: tamperedOutcome("th-bad")}
	runner, buf := newTestRunner(service, []string{"hello", "exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "INTEGRITY:") {
		t.Errorf("expected integrity warning, got %q", output)
	}
	if !strings.Contains(output, "Tampered") {
		t.Errorf("expected tampered verdict in warning, got %q", output)
	}
	if !strings.Contains(output, "verified=0 tampered=1") {
		t.Errorf("expected tampered count in session end, got %q", output)
	}
}

func TestGatewayChatRunner_ResumeDisplaysHistory(t *testing.T) {
	service := &mockChatService{historyCount: 3}
	runner, buf := newTestRunner(service, []string{"exit"}, "th-resume")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "THREAD_RESUME: thread=th-resume messages=3") {
		t.Errorf("expected resume line, got %q", output)
	}
	// Session continues on the resumed thread
	if !strings.Contains(output, "thread=th-resume") {
		t.Errorf("expected resumed thread in output, got %q", output)
	}
}

func TestGatewayChatRunner_BudgetInHeader(t *testing.T) {
	service := &mockChatService{budget: &ux.RateBudget{Limit: 60, Remaining: 59}}
	runner, buf := newTestRunner(service, []string{"exit"}, "")

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !strings.Contains(buf.String(), "budget=59/60") {
		t.Errorf("expected budget in header, got %q", buf.String())
	}
}

func TestGatewayChatRunner_ContextCancelled(t *testing.T) {
	service := &mockChatService{}
	runner, buf := newTestRunner(service, []string{"hello", "exit"}, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runner.Run(ctx)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if !strings.Contains(buf.String(), "CHAT_END:") {
		t.Errorf("expected session end on shutdown, got %q", buf.String())
	}
}

func TestGatewayChatRunner_Close_Idempotent(t *testing.T) {
	service := &mockChatService{}
	runner, _ := newTestRunner(service, nil, "")

	if err := runner.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := runner.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !service.closed {
		t.Error("expected service closed")
	}
}

// =============================================================================
// Input Reader Tests
// =============================================================================

func TestMockInputReader_Sequence(t *testing.T) {
	reader := NewMockInputReader([]string{"first", "second"})

	line, err := reader.ReadLine()
	if err != nil || line != "first" {
		t.Errorf("expected first, got %q (err %v)", line, err)
	}
	line, err = reader.ReadLine()
	if err != nil || line != "second" {
		t.Errorf("expected second, got %q (err %v)", line, err)
	}
	if _, err := reader.ReadLine(); err == nil {
		t.Error("expected EOF after inputs exhausted")
	}
}

func TestInteractiveInputReader_HistoryDedup(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 3}

	r.addToHistory("a")
	r.addToHistory("a")
	r.addToHistory("b")

	if len(r.history) != 2 {
		t.Fatalf("expected consecutive duplicate dropped, got %v", r.history)
	}
	if r.history[0] != "a" || r.history[1] != "b" {
		t.Errorf("unexpected history order: %v", r.history)
	}
}

func TestInteractiveInputReader_HistoryTrimsFront(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 2}

	r.addToHistory("one")
	r.addToHistory("two")
	r.addToHistory("three")

	if len(r.history) != 2 {
		t.Fatalf("expected history capped at 2, got %v", r.history)
	}
	if r.history[0] != "two" || r.history[1] != "three" {
		t.Errorf("expected oldest entry dropped, got %v", r.history)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestIsExitCommand(t *testing.T) {
	cases := map[string]bool{
		"exit": true,
		"quit": true,
		"Exit": false,
		"EXIT": false,
		"bye":  false,
		"":     false,
	}
	for input, want := range cases {
		if got := isExitCommand(input); got != want {
			t.Errorf("isExitCommand(%q) = %v, want %v", input, got, want)
		}
	}
}
