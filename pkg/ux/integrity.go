// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains client-side verification of the gateway's event hash
// chain. Every streamed event carries a Hash computed over its own fields
// and a PrevHash linking to the previous event:
//
//	Event[0] → Event[1] → Event[2] → ... → Event[N]
//	  Hash₀     Hash₁     Hash₂           HashN
//	    ↑         ↑         ↑               ↑
//	    └─────────┴─────────┴───────────────┘
//	           Each PrevHash links to previous Hash
//
// The first event's PrevHash is empty. Modifying, dropping, or reordering
// any event breaks the chain, so verifying after the stream ends detects
// tampering anywhere between the gateway and the terminal.

package ux

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// =============================================================================
// Event Hasher
// =============================================================================

// EventHasher recomputes the integrity hash of a single stream event.
//
// # Description
//
// The gateway hashes each event before sending it. The client recomputes
// the same hash from the received fields and compares. A mismatch means
// the event was altered in transit.
//
// # Thread Safety
//
// Implementations must be stateless and safe for concurrent use.
type EventHasher interface {
	// HashEvent returns the hex-encoded SHA-256 hash of the event's
	// hashable fields. The event's own Hash field is not an input.
	HashEvent(event datatypes.StreamEvent) string
}

// sha256EventHasher implements EventHasher with SHA-256.
type sha256EventHasher struct{}

// NewEventHasher creates the default SHA-256 event hasher.
func NewEventHasher() EventHasher {
	return &sha256EventHasher{}
}

// HashEvent computes the event hash.
//
// The input layout must match the gateway's event writer exactly, field
// for field and separator for separator. Any drift here makes every
// stream look tampered.
func (h *sha256EventHasher) HashEvent(event datatypes.StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%t",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.ThreadId,
		event.Language,
		event.HasArtifact,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Chain Verifier
// =============================================================================

// ChainVerificationResult describes the outcome of verifying one stream.
type ChainVerificationResult struct {
	// Valid is true when every link and every hash checked out
	Valid bool

	// ChainLength is the number of events examined
	ChainLength int

	// FinalHash is the hash of the last event, empty for an empty chain
	FinalHash string

	// InvalidEventIndex is the position of the first bad event, -1 when valid
	InvalidEventIndex int

	// ExpectedHash is what the verifier computed for the bad event
	ExpectedHash string

	// ActualHash is what the bad event actually carried
	ActualHash string

	// ErrorMessage is a human-readable description of the failure
	ErrorMessage string
}

// Summary formats the result for terminal display.
func (r *ChainVerificationResult) Summary() string {
	if !r.Valid {
		return fmt.Sprintf("✗ Tampered | %s", r.ErrorMessage)
	}
	if r.ChainLength == 0 {
		return "✓ Verified | Chain: empty"
	}
	return fmt.Sprintf("✓ Verified | Chain: %d events | Hash: %s",
		r.ChainLength, truncateHash(r.FinalHash))
}

// ChainVerifier validates the hash chain across a full event stream.
//
// # Description
//
// Walks the events in arrival order. The first event must have an empty
// PrevHash. Every later event's PrevHash must equal the previous event's
// Hash, and every event's Hash must recompute from its own fields.
//
// # Limitations
//
// The chain proves transport integrity, not authenticity. A party that
// can rewrite the whole stream can rebuild a consistent chain. Signed
// chains would close that gap and are out of scope here.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ChainVerifier interface {
	// Verify checks the complete chain and reports the first defect found.
	Verify(events []datatypes.StreamEvent) *ChainVerificationResult
}

// fullChainVerifier implements ChainVerifier by recomputing every hash.
type fullChainVerifier struct {
	hasher EventHasher
}

// NewChainVerifier creates a verifier backed by the default hasher.
func NewChainVerifier() ChainVerifier {
	return &fullChainVerifier{
		hasher: NewEventHasher(),
	}
}

// Verify walks the chain front to back.
//
// An empty slice verifies trivially. Verification stops at the first
// defect; later defects are not reported.
func (v *fullChainVerifier) Verify(events []datatypes.StreamEvent) *ChainVerificationResult {
	if len(events) == 0 {
		return &ChainVerificationResult{
			Valid:             true,
			ChainLength:       0,
			InvalidEventIndex: -1,
		}
	}

	if events[0].PrevHash != "" {
		return &ChainVerificationResult{
			Valid:             false,
			ChainLength:       len(events),
			InvalidEventIndex: 0,
			ExpectedHash:      "",
			ActualHash:        events[0].PrevHash,
			ErrorMessage:      fmt.Sprintf("first event should have empty prev_hash, got %s", truncateHash(events[0].PrevHash)),
		}
	}

	prevHash := ""
	for i, event := range events {
		if !secureHashEqual(event.PrevHash, prevHash) {
			return &ChainVerificationResult{
				Valid:             false,
				ChainLength:       len(events),
				InvalidEventIndex: i,
				ExpectedHash:      prevHash,
				ActualHash:        event.PrevHash,
				ErrorMessage: fmt.Sprintf("chain broken at event %d: expected prev_hash %s, got %s",
					i, truncateHash(prevHash), truncateHash(event.PrevHash)),
			}
		}

		computed := v.hasher.HashEvent(event)
		if !secureHashEqual(computed, event.Hash) {
			return &ChainVerificationResult{
				Valid:             false,
				ChainLength:       len(events),
				InvalidEventIndex: i,
				ExpectedHash:      computed,
				ActualHash:        event.Hash,
				ErrorMessage: fmt.Sprintf("hash mismatch at event %d: computed %s, stored %s (content may have been modified)",
					i, truncateHash(computed), truncateHash(event.Hash)),
			}
		}

		prevHash = event.Hash
	}

	return &ChainVerificationResult{
		Valid:             true,
		ChainLength:       len(events),
		FinalHash:         prevHash,
		InvalidEventIndex: -1,
	}
}

// =============================================================================
// Helpers
// =============================================================================

// secureHashEqual performs constant-time comparison of two hash strings.
// This prevents timing attacks where an attacker could determine how many
// leading characters of a hash are correct by measuring response times.
func secureHashEqual(a, b string) bool {
	// subtle.ConstantTimeCompare returns 1 if equal, 0 if not
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// truncateHash shortens a hash for display while keeping both ends visible.
func truncateHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-4:]
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ EventHasher   = (*sha256EventHasher)(nil)
	_ ChainVerifier = (*fullChainVerifier)(nil)
)
