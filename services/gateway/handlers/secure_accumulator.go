// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the capacity of the locked buffer backing one
	// accumulator. 512 KB holds roughly 131,000 tokens at an average of
	// 4 bytes per token, ample for a single model response.
	//
	// The system's RLIMIT_MEMLOCK must cover this size for secure mode.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required, in kilobytes.
	MinMlockLimitKB = 512
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient records whether secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the detected mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// DeltaAccumulator collects streamed answer deltas for persistence.
//
// # Description
//
// DeltaAccumulator abstracts delta storage during upstream streaming so
// the relay can assemble the full answer without scattering response text
// across ordinary heap allocations. Deltas are hashed incrementally as
// they arrive; Finalize returns the assembled answer together with its
// SHA-256 digest so callers can verify what was persisted.
//
// Two implementations exist: a secure one backed by an mlocked memguard
// buffer, and a plain-memory fallback for systems without a sufficient
// mlock limit (opted into with RELAYGATE_INSECURE_MEMORY=true).
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Capacity is fixed at SecureBufferSize; overflow is unrecoverable.
//   - An accumulator cannot be reused after Finalize or Destroy.
type DeltaAccumulator interface {
	// Write appends one delta and folds it into the incremental hash.
	// Fails once the accumulator has overflowed or been destroyed.
	Write(delta string) error

	// Finalize returns the assembled answer and its SHA-256 hex digest,
	// then wipes the buffer. Can only be called once.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; for
	// paths where the accumulated answer is not needed.
	Destroy()

	// DeltaCount returns how many deltas have been accumulated.
	DeltaCount() int

	// ID returns the accumulator's unique identifier for logging.
	ID() string

	// CreatedAt returns when the accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Structs: Secure Implementation
// =============================================================================

// secureDeltaAccumulator stores deltas in mlocked memory.
//
// # Description
//
// Backed by a memguard LockedBuffer: the pages are locked against swap,
// fenced by guard pages, and explicitly zeroed on Destroy. The SHA-256
// state advances as each delta arrives, so no delta ever sits unhashed.
//
// # Thread Safety
//
// Safe for concurrent use. All state is guarded by the mutex.
type secureDeltaAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	deltas    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Structs: Insecure Fallback Implementation
// =============================================================================

// insecureDeltaAccumulator is the fallback for systems without enough
// mlock headroom. Same contract, ordinary heap memory: data may reach
// swap and wiping is best effort.
type insecureDeltaAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	deltas    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewDeltaAccumulator creates an accumulator for one relay session.
//
// # Description
//
// Allocates an mlocked buffer of SecureBufferSize bytes. If the system's
// mlock limit is too low the behavior depends on RELAYGATE_INSECURE_MEMORY:
// when set to "true" the call falls back to plain memory with a warning,
// otherwise it fails so the operator can raise the limit.
//
// # Outputs
//
//   - DeltaAccumulator: Ready for use; secure when the system allows it.
//   - error: Non-nil when secure allocation failed and no fallback applies.
//
// # Examples
//
//	acc, err := NewDeltaAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
func NewDeltaAccumulator() (DeltaAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

// newInsecureDeltaAccumulator creates the plain-memory fallback.
func newInsecureDeltaAccumulator() DeltaAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE delta accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureDeltaAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureDeltaAccumulator Methods
// =============================================================================

// Write appends one delta to the secure buffer and updates the hash.
//
// # Inputs
//
//   - delta: Answer chunk to append.
//
// # Outputs
//
//   - error: Non-nil if the buffer would overflow or the accumulator was
//     already finalized or destroyed.
func (a *secureDeltaAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	deltaBytes := []byte(delta)

	if err := a.checkBufferCapacity(len(deltaBytes)); err != nil {
		return err
	}

	a.copyToBuffer(deltaBytes)
	a.updateHash(deltaBytes)
	a.deltas++

	return nil
}

// Finalize returns the assembled answer and its hash, then wipes the
// buffer.
//
// # Outputs
//
//   - answer: Complete answer copied out of secure memory.
//   - hash: SHA-256 digest of the answer, hex encoded.
//   - error: Non-nil if overflow occurred or the accumulator was
//     already destroyed.
func (a *secureDeltaAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	answer := a.extractAnswer()
	hashStr := a.finalizeHash()
	a.wipeBuffer()

	a.logFinalization(len(answer), hashStr)

	return answer, hashStr, nil
}

// Destroy wipes the buffer without returning data. Safe to call more
// than once.
func (a *secureDeltaAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	a.logDestruction()
}

// DeltaCount returns how many deltas have been written so far.
func (a *secureDeltaAccumulator) DeltaCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deltas
}

// ID returns the accumulator's unique identifier.
func (a *secureDeltaAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when the accumulator was created.
func (a *secureDeltaAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// secureDeltaAccumulator Private Methods
// =============================================================================

// validateWriteState checks the accumulator can accept another delta.
func (a *secureDeltaAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the delta.
func (a *secureDeltaAccumulator) checkBufferCapacity(deltaLen int) error {
	if a.offset+deltaLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			deltaLen, SecureBufferSize-a.offset)
	}
	return nil
}

// copyToBuffer copies delta bytes into the secure buffer.
func (a *secureDeltaAccumulator) copyToBuffer(deltaBytes []byte) {
	copy(a.buffer.Bytes()[a.offset:], deltaBytes)
	a.offset += len(deltaBytes)
}

// updateHash folds delta bytes into the incremental hash.
func (a *secureDeltaAccumulator) updateHash(deltaBytes []byte) {
	a.hasher.Write(deltaBytes)
}

// validateFinalizeState checks the accumulator can be finalized.
func (a *secureDeltaAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// extractAnswer copies the answer out of secure memory.
func (a *secureDeltaAccumulator) extractAnswer() string {
	return string(a.buffer.Bytes()[:a.offset])
}

// finalizeHash returns the final digest as a hex string.
func (a *secureDeltaAccumulator) finalizeHash() string {
	hashBytes := a.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeBuffer destroys the secure buffer and marks the accumulator dead.
func (a *secureDeltaAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// logFinalization logs successful finalization.
func (a *secureDeltaAccumulator) logFinalization(answerLen int, hashStr string) {
	slog.Debug("Finalized secure delta accumulator",
		"accumulator_id", a.id,
		"answer_length", answerLen,
		"delta_count", a.deltas,
		"hash", hashStr[:16]+"...",
	)
}

// logDestruction logs accumulator destruction.
func (a *secureDeltaAccumulator) logDestruction() {
	slog.Debug("Destroyed secure delta accumulator",
		"accumulator_id", a.id,
	)
}

// =============================================================================
// insecureDeltaAccumulator Methods
// =============================================================================

// Write appends one delta to the fallback buffer and updates the hash.
func (a *insecureDeltaAccumulator) Write(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	deltaBytes := []byte(delta)

	if err := a.checkBufferCapacity(len(deltaBytes)); err != nil {
		return err
	}

	a.data = append(a.data, deltaBytes...)
	a.updateHash(deltaBytes)
	a.deltas++

	return nil
}

// Finalize returns the assembled answer and hash, then zeros the slice.
// Wiping plain memory is best effort; the GC may have copied the data.
func (a *insecureDeltaAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	answer := string(a.data)
	hashStr := a.finalizeHash()
	a.wipeData()

	a.logFinalization(len(answer))

	return answer, hashStr, nil
}

// Destroy zeros the slice and releases it. Safe to call more than once.
func (a *insecureDeltaAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	a.logDestruction()
}

// DeltaCount returns how many deltas have been written so far.
func (a *insecureDeltaAccumulator) DeltaCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deltas
}

// ID returns the accumulator's unique identifier.
func (a *insecureDeltaAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when the accumulator was created.
func (a *insecureDeltaAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// =============================================================================
// insecureDeltaAccumulator Private Methods
// =============================================================================

// validateWriteState checks the accumulator can accept another delta.
func (a *insecureDeltaAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the delta.
func (a *insecureDeltaAccumulator) checkBufferCapacity(deltaLen int) error {
	if len(a.data)+deltaLen > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			deltaLen, SecureBufferSize-len(a.data))
	}
	return nil
}

// updateHash folds delta bytes into the incremental hash.
func (a *insecureDeltaAccumulator) updateHash(deltaBytes []byte) {
	a.hasher.Write(deltaBytes)
}

// validateFinalizeState checks the accumulator can be finalized.
func (a *insecureDeltaAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// finalizeHash returns the final digest as a hex string.
func (a *insecureDeltaAccumulator) finalizeHash() string {
	hashBytes := a.hasher.Sum(nil)
	return hex.EncodeToString(hashBytes)
}

// wipeData zeros the data slice (best effort) and marks the
// accumulator dead.
func (a *insecureDeltaAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// logFinalization logs successful finalization.
func (a *insecureDeltaAccumulator) logFinalization(answerLen int) {
	slog.Debug("Finalized insecure delta accumulator",
		"accumulator_id", a.id,
		"answer_length", answerLen,
		"delta_count", a.deltas,
	)
}

// logDestruction logs accumulator destruction.
func (a *insecureDeltaAccumulator) logDestruction() {
	slog.Debug("Destroyed insecure delta accumulator",
		"accumulator_id", a.id,
	)
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes memguard and checks mlock limits once.
//
// # Description
//
// Installs memguard's interrupt handler and probes RLIMIT_MEMLOCK. The
// result is cached in package variables; later calls are no-ops. Runs
// automatically when the first accumulator is created.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK is high enough for
// secure accumulation.
//
// # Outputs
//
//   - bool: True when the limit is at least MinMlockLimitKB.
//   - int64: Detected limit in kilobytes, -1 when unlimited.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the detected mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
	} else {
		logInsufficientMlock()
	}
}

// logInsufficientMlock warns about an mlock limit below the minimum.
func logInsufficientMlock() {
	insecureMode := os.Getenv("RELAYGATE_INSECURE_MEMORY") == "true"
	if insecureMode {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "RELAYGATE_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise RLIMIT_MEMLOCK or set RELAYGATE_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock applies the fallback policy when mlock limits
// are too low.
func handleInsufficientMlock() (DeltaAccumulator, error) {
	if os.Getenv("RELAYGATE_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure delta accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureDeltaAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Raise RLIMIT_MEMLOCK or set RELAYGATE_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// allocateSecureBuffer allocates a fresh mlocked buffer.
func allocateSecureBuffer() (DeltaAccumulator, error) {
	buf := memguard.NewBuffer(SecureBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", SecureBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure delta accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureDeltaAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable reports whether secure memory is available on this
// system.
//
// # Outputs
//
//   - bool: True if secure accumulators can be allocated.
//   - int64: Current mlock limit in KB, -1 when unlimited.
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; every live LockedBuffer is invalid afterwards.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
