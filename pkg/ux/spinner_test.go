// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinnerMachineModePrintsOnce(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		spin := NewSpinner("contacting upstream")
		out := captureStdout(t, func() {
			spin.Start()
			spin.Stop()
		})
		assert.Equal(t, "PROGRESS: contacting upstream\n", out)
	})
}

func TestSpinnerMinimalModeSilent(t *testing.T) {
	withLevel(t, PersonalityMinimal, func() {
		spin := NewSpinner("contacting upstream")
		out := captureStdout(t, func() {
			spin.Start()
			spin.Stop()
		})
		assert.Empty(t, out)
	})
}

func TestSpinnerFullModeAnimatesAndClears(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		spin := NewSpinner("relaying")
		out := captureStdout(t, func() {
			spin.Start()
			time.Sleep(3 * spinnerInterval)
			spin.Stop()
		})
		assert.Contains(t, out, "relaying")
		assert.Contains(t, out, "\033[K", "Stop must clear the spinner line")
	})
}

func TestSpinnerStartStopIdempotent(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		spin := NewSpinner("x")
		spin.Stop() // never started
		spin.Start()
		spin.Start() // already running
		spin.Stop()
		spin.Stop() // already stopped
	})
}

func TestSpinnerUpdateMessage(t *testing.T) {
	withLevel(t, PersonalityFull, func() {
		spin := NewSpinner("phase one")
		out := captureStdout(t, func() {
			spin.Start()
			time.Sleep(2 * spinnerInterval)
			spin.UpdateMessage("phase two")
			time.Sleep(2 * spinnerInterval)
			spin.Stop()
		})
		assert.Contains(t, out, "phase two")
	})
}

func TestSpinnerStopWithOutcome(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		spin := NewSpinner("saving")
		spin.Start()
		out := captureStdout(t, func() { spin.StopWithSuccess("saved") })
		assert.Equal(t, "OK: saved\n", out)

		spin = NewSpinner("saving")
		spin.Start()
		errOut := captureStderr(t, func() {
			spin.StopWithError("save failed")
		})
		assert.Equal(t, "ERROR: save failed\n", errOut)

		spin = NewSpinner("saving")
		spin.Start()
		warnOut := captureStderr(t, func() {
			spin.StopWithWarning("saved partial transcript")
		})
		assert.Equal(t, "WARN: saved partial transcript\n", warnOut)
	})
}

func TestWithSpinnerPropagatesError(t *testing.T) {
	withLevel(t, PersonalityMachine, func() {
		sentinel := errors.New("upstream closed")
		err := WithSpinner("relaying", func() error { return sentinel })
		require.ErrorIs(t, err, sentinel)

		ran := false
		err = WithSpinner("relaying", func() error { ran = true; return nil })
		require.NoError(t, err)
		assert.True(t, ran)
	})
}
