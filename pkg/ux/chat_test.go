// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func chatOutput(level PersonalityLevel, f func(ui ChatUI)) string {
	var buf bytes.Buffer
	f(NewChatUIWithWriter(&buf, level))
	return buf.String()
}

func TestChatHeaderMachineMode(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.Header(HeaderConfig{Server: "http://localhost:8080"})
	})
	assert.Equal(t, "CHAT_START: server=http://localhost:8080\n", out)

	out = chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.Header(HeaderConfig{
			Server:   "http://localhost:8080",
			ThreadID: "th-123",
			Budget:   &RateBudget{Limit: 10, Remaining: 3},
		})
	})
	assert.Equal(t, "CHAT_START: server=http://localhost:8080 thread=th-123 budget=3/10\n", out)
}

func TestChatHeaderMinimalMode(t *testing.T) {
	out := chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.Header(HeaderConfig{
			Server:   "http://localhost:8080",
			ThreadID: "th-abc",
			Budget:   &RateBudget{Limit: 10, Remaining: 7},
		})
	})
	assert.Contains(t, out, "Relaygate Chat")
	assert.Contains(t, out, "Thread: th-abc")
	assert.Contains(t, out, "Budget: 7/10 requests remaining")
	assert.Contains(t, out, "Type 'exit' to end.")
}

func TestChatHeaderFullMode(t *testing.T) {
	out := chatOutput(PersonalityFull, func(ui ChatUI) {
		ui.Header(HeaderConfig{Server: "http://localhost:8080"})
	})
	assert.Contains(t, out, "Relaygate Chat")
	assert.Contains(t, out, "http://localhost:8080")
}

func TestChatHeaderFullModeExhaustedBudget(t *testing.T) {
	out := chatOutput(PersonalityFull, func(ui ChatUI) {
		ui.Header(HeaderConfig{
			Server: "http://localhost:8080",
			Budget: &RateBudget{Limit: 10, Remaining: 0, ResetAfter: 12 * time.Second},
		})
	})
	assert.Contains(t, out, "resets in 12.0s")
}

func TestChatPrompt(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, "> ", NewChatUIWithWriter(&buf, PersonalityMachine).Prompt())
	assert.Contains(t, NewChatUIWithWriter(&buf, PersonalityFull).Prompt(), ">")
}

func TestChatError(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.Error(errors.New("connection refused"))
	})
	assert.Equal(t, "CHAT_ERROR: connection refused\n", out)

	out = chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.Error(errors.New("timeout"))
	})
	assert.Contains(t, out, "Chat error: timeout")
}

func TestChatIntegrityWarning(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.IntegrityWarning("✗ Tampered | hash mismatch at event 2")
	})
	assert.Equal(t, "INTEGRITY: ✗ Tampered | hash mismatch at event 2\n", out)

	out = chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.IntegrityWarning("✗ Tampered | chain broken")
	})
	assert.Contains(t, out, "chain broken")
}

func TestChatThreadResume(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.ThreadResume("th-abc", 5)
	})
	assert.Equal(t, "THREAD_RESUME: thread=th-abc messages=5\n", out)

	out = chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.ThreadResume("th-xyz", 3)
	})
	assert.Contains(t, out, "th-xyz")
	assert.Contains(t, out, "3 previous messages")
}

func TestChatSessionEnd(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.SessionEnd("th-end-123")
	})
	assert.Equal(t, "CHAT_END: thread=th-end-123\n", out)

	out = chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.SessionEnd("th-bye")
	})
	assert.Contains(t, out, "th-bye")
	assert.Contains(t, out, "Goodbye")

	// No thread line when nothing was persisted.
	out = chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.SessionEnd("")
	})
	assert.NotContains(t, out, "Thread:")
	assert.Contains(t, out, "Goodbye")
}

func TestChatSessionEndRichMachineMode(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.SessionEndRich("th-1", &SessionStats{
			MessageCount:    2,
			TotalDeltas:     10,
			VerifiedStreams: 2,
			Duration:        1500 * time.Millisecond,
		})
	})
	assert.Equal(t, "CHAT_END: thread=th-1 messages=2 deltas=10 verified=2 tampered=0 duration=1.5s\n", out)
}

func TestChatSessionEndRichNilStatsFallsBack(t *testing.T) {
	out := chatOutput(PersonalityMachine, func(ui ChatUI) {
		ui.SessionEndRich("th-2", nil)
	})
	assert.Equal(t, "CHAT_END: thread=th-2\n", out)
}

func TestChatSessionEndRichMinimalModeTampered(t *testing.T) {
	out := chatOutput(PersonalityMinimal, func(ui ChatUI) {
		ui.SessionEndRich("th-3", &SessionStats{
			MessageCount:    4,
			TotalDeltas:     40,
			VerifiedStreams: 3,
			TamperedStreams: 1,
			Duration:        30 * time.Second,
		})
	})
	assert.Contains(t, out, "1 of 4 streams FAILED verification")
	assert.Contains(t, out, "Goodbye")
}

func TestChatSessionEndRichFullMode(t *testing.T) {
	out := chatOutput(PersonalityFull, func(ui ChatUI) {
		ui.SessionEndRich("th-4", &SessionStats{
			MessageCount:         3,
			TotalDeltas:          25,
			ArtifactCount:        1,
			VerifiedStreams:      3,
			Duration:             2 * time.Minute,
			FirstResponseLatency: 800 * time.Millisecond,
		})
	})
	assert.Contains(t, out, "Session Summary")
	assert.Contains(t, out, "3 messages exchanged")
	assert.Contains(t, out, "1 artifacts captured")
	assert.Contains(t, out, "3 streams verified tamper-free")
	assert.Contains(t, out, "relaygate chat --thread th-4")
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{5 * time.Second, "5.0s"},
		{time.Minute, "1m"},
		{90 * time.Second, "1m 30s"},
		{2 * time.Hour, "2h 0m"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatDuration(tc.d), "formatDuration(%v)", tc.d)
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		ts   int64
		want string
	}{
		{"zero", 0, "unknown"},
		{"just now", now.UnixMilli(), "just now"},
		{"one minute", now.Add(-90 * time.Second).UnixMilli(), "1 min ago"},
		{"minutes", now.Add(-5 * time.Minute).UnixMilli(), "5 mins ago"},
		{"hours", now.Add(-2 * time.Hour).UnixMilli(), "2h ago"},
		{"days", now.Add(-3 * 24 * time.Hour).UnixMilli(), "3 days ago"},
		{"weeks", now.Add(-2 * 7 * 24 * time.Hour).UnixMilli(), "2 weeks ago"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatRelativeTime(tc.ts))
		})
	}

	old := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC).UnixMilli()
	assert.True(t, strings.Contains(FormatRelativeTime(old), "2024"))
}
