// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// =============================================================================
// EventHasher Tests
// =============================================================================

func TestEventHasher_HashEvent_Consistency(t *testing.T) {
	hasher := NewEventHasher()

	event := datatypes.StreamEvent{
		Id:        "ev-1",
		Type:      datatypes.EventDelta,
		CreatedAt: 1735657200000,
		PrevHash:  "",
		Content:   "Hello",
	}

	hash1 := hasher.HashEvent(event)
	hash2 := hasher.HashEvent(event)

	if hash1 != hash2 {
		t.Error("HashEvent() should return consistent results")
	}
	if len(hash1) != 64 {
		t.Errorf("HashEvent() returned hash of length %d, want 64", len(hash1))
	}
}

func TestEventHasher_HashEvent_MatchesWireFormat(t *testing.T) {
	hasher := NewEventHasher()

	event := datatypes.StreamEvent{
		Id:          "ev-42",
		Type:        datatypes.EventCompletion,
		CreatedAt:   1735657200123,
		PrevHash:    "deadbeef",
		Content:     "",
		Message:     "",
		Error:       "",
		ThreadId:    "th-7",
		Language:    "",
		HasArtifact: true,
	}

	// Pin the exact field layout the gateway hashes. If this test breaks,
	// the client and server hash formats have drifted apart and every
	// stream will fail verification.
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%t",
		event.Id, event.Type, event.CreatedAt, event.PrevHash,
		event.Content, event.Message, event.Error,
		event.ThreadId, event.Language, event.HasArtifact)
	sum := sha256.Sum256([]byte(input))
	want := hex.EncodeToString(sum[:])

	got := hasher.HashEvent(event)
	if got != want {
		t.Errorf("HashEvent() = %q, want %q", got, want)
	}
}

func TestEventHasher_DifferentFieldsDifferentHashes(t *testing.T) {
	hasher := NewEventHasher()

	base := datatypes.StreamEvent{
		Id:        "ev-1",
		Type:      datatypes.EventDelta,
		CreatedAt: 1735657200000,
		Content:   "Hello",
	}

	variants := []datatypes.StreamEvent{base}

	v := base
	v.Id = "ev-2"
	variants = append(variants, v)

	v = base
	v.Content = "World"
	variants = append(variants, v)

	v = base
	v.CreatedAt = 1735657200001
	variants = append(variants, v)

	v = base
	v.PrevHash = "prev"
	variants = append(variants, v)

	v = base
	v.HasArtifact = true
	variants = append(variants, v)

	seen := make(map[string]bool)
	for i, variant := range variants {
		h := hasher.HashEvent(variant)
		if seen[h] {
			t.Errorf("variant %d collided with an earlier hash", i)
		}
		seen[h] = true
	}
}

// =============================================================================
// ChainVerifier Tests
// =============================================================================

func TestChainVerifier_Verify_EmptyChain(t *testing.T) {
	verifier := NewChainVerifier()

	result := verifier.Verify([]datatypes.StreamEvent{})

	if !result.Valid {
		t.Error("empty chain should be valid")
	}
	if result.ChainLength != 0 {
		t.Errorf("ChainLength = %d, want 0", result.ChainLength)
	}
	if result.InvalidEventIndex != -1 {
		t.Errorf("InvalidEventIndex = %d, want -1", result.InvalidEventIndex)
	}
}

func TestChainVerifier_Verify_ValidChain(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventStatus, CreatedAt: 1735657200000, Message: "Relaying..."},
		datatypes.StreamEvent{Id: "ev-2", Type: datatypes.EventDelta, CreatedAt: 1735657200010, Content: "Hello"},
		datatypes.StreamEvent{Id: "ev-3", Type: datatypes.EventDelta, CreatedAt: 1735657200020, Content: " world"},
		datatypes.StreamEvent{Id: "ev-4", Type: datatypes.EventCompletion, CreatedAt: 1735657200030, ThreadId: "th-1"},
	)

	result := verifier.Verify(events)

	if !result.Valid {
		t.Fatalf("valid chain should pass: %s", result.ErrorMessage)
	}
	if result.ChainLength != 4 {
		t.Errorf("ChainLength = %d, want 4", result.ChainLength)
	}
	if result.FinalHash != events[3].Hash {
		t.Errorf("FinalHash = %q, want %q", result.FinalHash, events[3].Hash)
	}
}

func TestChainVerifier_Verify_SingleEvent(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventError, CreatedAt: 1735657200000, Error: "boom"},
	)

	result := verifier.Verify(events)

	if !result.Valid {
		t.Errorf("single-event chain should pass: %s", result.ErrorMessage)
	}
	if result.FinalHash != events[0].Hash {
		t.Errorf("FinalHash = %q, want %q", result.FinalHash, events[0].Hash)
	}
}

func TestChainVerifier_Verify_ModifiedContent(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventDelta, CreatedAt: 1735657200000, Content: "Original"},
	)

	// Modify content after hashing but keep the stored hash
	events[0].Content = "Tampered"

	result := verifier.Verify(events)

	if result.Valid {
		t.Error("modified content should fail verification")
	}
	if result.InvalidEventIndex != 0 {
		t.Errorf("InvalidEventIndex = %d, want 0", result.InvalidEventIndex)
	}
	if !strings.Contains(result.ErrorMessage, "hash mismatch") {
		t.Errorf("ErrorMessage should mention hash mismatch, got %q", result.ErrorMessage)
	}
}

func TestChainVerifier_Verify_ModifiedTimestamp(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventDelta, CreatedAt: 1735657200000, Content: "Hello"},
	)

	events[0].CreatedAt = 1735657299999

	result := verifier.Verify(events)

	if result.Valid {
		t.Error("modified timestamp should fail verification")
	}
}

func TestChainVerifier_Verify_BrokenLink(t *testing.T) {
	verifier := NewChainVerifier()
	hasher := NewEventHasher()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventDelta, CreatedAt: 1735657200000, Content: "Hello"},
		datatypes.StreamEvent{Id: "ev-2", Type: datatypes.EventDelta, CreatedAt: 1735657200010, Content: "World"},
	)

	// Relink event 2 to a forged predecessor and rehash it so only the
	// link check can catch the splice.
	events[1].PrevHash = "forged"
	events[1].Hash = hasher.HashEvent(events[1])

	result := verifier.Verify(events)

	if result.Valid {
		t.Error("broken chain link should fail verification")
	}
	if result.InvalidEventIndex != 1 {
		t.Errorf("InvalidEventIndex = %d, want 1", result.InvalidEventIndex)
	}
	if !strings.Contains(result.ErrorMessage, "chain broken") {
		t.Errorf("ErrorMessage should mention chain broken, got %q", result.ErrorMessage)
	}
}

func TestChainVerifier_Verify_DroppedEvent(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventDelta, CreatedAt: 1735657200000, Content: "a"},
		datatypes.StreamEvent{Id: "ev-2", Type: datatypes.EventDelta, CreatedAt: 1735657200010, Content: "b"},
		datatypes.StreamEvent{Id: "ev-3", Type: datatypes.EventDelta, CreatedAt: 1735657200020, Content: "c"},
	)

	// Drop the middle event: ev-3's PrevHash no longer matches ev-1's Hash.
	spliced := []datatypes.StreamEvent{events[0], events[2]}

	result := verifier.Verify(spliced)

	if result.Valid {
		t.Error("chain with dropped event should fail verification")
	}
	if result.InvalidEventIndex != 1 {
		t.Errorf("InvalidEventIndex = %d, want 1", result.InvalidEventIndex)
	}
}

func TestChainVerifier_Verify_NonEmptyFirstPrevHash(t *testing.T) {
	verifier := NewChainVerifier()
	hasher := NewEventHasher()

	event := datatypes.StreamEvent{
		Id:        "ev-1",
		Type:      datatypes.EventDelta,
		CreatedAt: 1735657200000,
		PrevHash:  "unexpected",
		Content:   "Hello",
	}
	event.Hash = hasher.HashEvent(event)

	result := verifier.Verify([]datatypes.StreamEvent{event})

	if result.Valid {
		t.Error("first event with non-empty prev_hash should fail verification")
	}
	if result.InvalidEventIndex != 0 {
		t.Errorf("InvalidEventIndex = %d, want 0", result.InvalidEventIndex)
	}
}

// =============================================================================
// ChainVerificationResult Tests
// =============================================================================

func TestChainVerificationResult_Summary_Verified(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventDelta, CreatedAt: 1735657200000, Content: "Hello"},
		datatypes.StreamEvent{Id: "ev-2", Type: datatypes.EventCompletion, CreatedAt: 1735657200010},
	)

	summary := verifier.Verify(events).Summary()

	if !strings.Contains(summary, "✓ Verified") {
		t.Errorf("summary should contain '✓ Verified', got %q", summary)
	}
	if !strings.Contains(summary, "2 events") {
		t.Errorf("summary should contain event count, got %q", summary)
	}
}

func TestChainVerificationResult_Summary_EmptyChain(t *testing.T) {
	verifier := NewChainVerifier()

	summary := verifier.Verify(nil).Summary()

	if !strings.Contains(summary, "empty") {
		t.Errorf("summary should note the empty chain, got %q", summary)
	}
}

func TestChainVerificationResult_Summary_Tampered(t *testing.T) {
	verifier := NewChainVerifier()

	events := chainEvents(
		datatypes.StreamEvent{Id: "ev-1", Type: datatypes.EventDelta, CreatedAt: 1735657200000, Content: "Hello"},
	)
	events[0].Content = "Tampered"

	summary := verifier.Verify(events).Summary()

	if !strings.Contains(summary, "✗ Tampered") {
		t.Errorf("summary should contain '✗ Tampered', got %q", summary)
	}
}

// =============================================================================
// truncateHash Tests
// =============================================================================

func TestTruncateHash_ShortHash(t *testing.T) {
	short := "abc123"
	result := truncateHash(short)

	if result != short {
		t.Errorf("short hash should not be truncated: got %q, want %q", result, short)
	}
}

func TestTruncateHash_LongHash(t *testing.T) {
	long := "a3f2c8d9e1b4f7a6c5d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0"
	result := truncateHash(long)

	if len(result) >= len(long) {
		t.Error("long hash should be truncated")
	}
	if result[:8] != "a3f2c8d9" {
		t.Errorf("truncated hash should start with 'a3f2c8d9', got %q", result[:8])
	}
	if result[len(result)-4:] != "a9b0" {
		t.Errorf("truncated hash should end with 'a9b0', got %q", result[len(result)-4:])
	}
	if !strings.Contains(result, "...") {
		t.Error("truncated hash should contain '...'")
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// chainEvents links the given events into a valid hash chain in order,
// assigning PrevHash and Hash the way the gateway's stream writer does.
func chainEvents(events ...datatypes.StreamEvent) []datatypes.StreamEvent {
	hasher := NewEventHasher()
	prevHash := ""
	for i := range events {
		events[i].PrevHash = prevHash
		events[i].Hash = hasher.HashEvent(events[i])
		prevHash = events[i].Hash
	}
	return events
}
