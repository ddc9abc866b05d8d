// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// RateBudget is the caller's remaining request budget, fetched from
// the gateway's status endpoint for display in the chat header.
type RateBudget struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"-"`
}

// HeaderConfig groups the optional chat header fields so new ones can
// be added without breaking callers.
type HeaderConfig struct {
	// Server is the gateway base URL the session talks to.
	Server string
	// ThreadID is the thread being resumed; empty for new conversations.
	ThreadID string
	// Budget is the rate budget, when the gateway reported one.
	Budget *RateBudget
}

// SessionStats accumulates per-session counters for the end-of-chat
// summary: how much was exchanged, and whether every stream's hash
// chain verified clean.
type SessionStats struct {
	MessageCount         int
	TotalDeltas          int
	ArtifactCount        int
	VerifiedStreams      int
	TamperedStreams      int
	Duration             time.Duration
	FirstResponseLatency time.Duration
	AverageResponseTime  time.Duration
}

// ChatUI renders the interactive chat session's chrome: the header,
// the input prompt, errors, integrity warnings, and the session-end
// summary. Streaming content itself goes through StreamRenderer.
type ChatUI interface {
	// Header shows the session header with server, thread, and budget.
	Header(config HeaderConfig)

	// Prompt returns the styled input prompt string.
	Prompt() string

	// Error shows a chat-level error.
	Error(err error)

	// IntegrityWarning surfaces a hash chain verification failure.
	// The summary comes from ChainVerificationResult.Summary().
	IntegrityWarning(summary string)

	// ThreadResume announces a resumed thread and its history size.
	ThreadResume(threadID string, messageCount int)

	// SessionEnd shows a plain goodbye with the thread id.
	SessionEnd(threadID string)

	// SessionEndRich shows the full session summary. Falls back to
	// SessionEnd when stats is nil.
	SessionEndRich(threadID string, stats *SessionStats)
}

// terminalChatUI writes chat chrome to a single writer. The
// personality is captured at construction so a session renders
// consistently even if the global level changes mid-chat.
type terminalChatUI struct {
	w     io.Writer
	level PersonalityLevel
}

// NewChatUI returns a ChatUI writing to stdout at the current
// personality level.
func NewChatUI() ChatUI {
	return &terminalChatUI{w: os.Stdout, level: GetPersonality().Level}
}

// NewChatUIWithWriter returns a ChatUI with an explicit writer and
// level, mainly for tests.
func NewChatUIWithWriter(w io.Writer, level PersonalityLevel) ChatUI {
	return &terminalChatUI{w: w, level: level}
}

// printf ignores write errors; there is no recovery for a broken
// terminal.
func (u *terminalChatUI) printf(format string, args ...any) {
	fmt.Fprintf(u.w, format, args...)
}

func (u *terminalChatUI) Header(config HeaderConfig) {
	switch u.level {
	case PersonalityMachine:
		fields := []string{"server=" + config.Server}
		if config.ThreadID != "" {
			fields = append(fields, "thread="+config.ThreadID)
		}
		if b := config.Budget; b != nil {
			fields = append(fields, fmt.Sprintf("budget=%d/%d", b.Remaining, b.Limit))
		}
		u.printf("CHAT_START: %s\n", strings.Join(fields, " "))

	case PersonalityMinimal:
		u.printf("Relaygate Chat (%s)\n", config.Server)
		if config.ThreadID != "" {
			u.printf("Thread: %s\n", config.ThreadID)
		}
		if b := config.Budget; b != nil {
			u.printf("Budget: %d/%d requests remaining\n", b.Remaining, b.Limit)
		}
		u.printf("Type 'exit' to end.\n")

	default:
		lines := []string{
			Styles.Highlight.Render("Relaygate Chat"),
			"Server: " + Styles.Success.Render(config.Server),
		}
		if config.ThreadID != "" {
			lines = append(lines, "Thread: "+Styles.Muted.Render(config.ThreadID))
		}
		if b := config.Budget; b != nil {
			budget := fmt.Sprintf("%d/%d requests", b.Remaining, b.Limit)
			if b.Remaining == 0 && b.ResetAfter > 0 {
				budget += ", resets in " + formatDuration(b.ResetAfter)
			}
			lines = append(lines, "Budget: "+Styles.Success.Render(budget))
		}
		u.printf("%s\n\n%s\n\n",
			Styles.Box.Width(boxWidth).Render(strings.Join(lines, "\n")),
			Styles.Muted.Render("Type 'exit' to end."))
	}
}

func (u *terminalChatUI) Prompt() string {
	if u.level == PersonalityMachine {
		return "> "
	}
	return Styles.Highlight.Render("> ")
}

func (u *terminalChatUI) Error(err error) {
	if u.level == PersonalityMachine {
		u.printf("CHAT_ERROR: %v\n", err)
		return
	}
	u.printf("%s %s\n", IconError.Render(), Styles.Error.Render(fmt.Sprintf("Chat error: %v", err)))
}

func (u *terminalChatUI) IntegrityWarning(summary string) {
	if u.level == PersonalityMachine {
		u.printf("INTEGRITY: %s\n", summary)
		return
	}
	u.printf("%s %s\n", IconWarning.Render(), Styles.Warning.Render(summary))
}

func (u *terminalChatUI) ThreadResume(threadID string, messageCount int) {
	if u.level == PersonalityMachine {
		u.printf("THREAD_RESUME: thread=%s messages=%d\n", threadID, messageCount)
		return
	}
	text := fmt.Sprintf("Resumed thread %s (%d previous messages)", threadID, messageCount)
	u.printf("%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

func (u *terminalChatUI) SessionEnd(threadID string) {
	if u.level == PersonalityMachine {
		u.printf("CHAT_END: thread=%s\n", threadID)
		return
	}
	if threadID != "" {
		u.printf("%s\n", Styles.Muted.Render("Thread: "+threadID))
	}
	u.printf("Goodbye!\n")
}

func (u *terminalChatUI) SessionEndRich(threadID string, stats *SessionStats) {
	if stats == nil {
		u.SessionEnd(threadID)
		return
	}

	switch u.level {
	case PersonalityMachine:
		u.printf("CHAT_END: thread=%s messages=%d deltas=%d verified=%d tampered=%d duration=%s\n",
			threadID, stats.MessageCount, stats.TotalDeltas,
			stats.VerifiedStreams, stats.TamperedStreams,
			stats.Duration.Round(time.Millisecond))

	case PersonalityMinimal:
		u.printf("\n")
		if threadID != "" {
			u.printf("Thread: %s\n", threadID)
		}
		u.printf("Messages: %d | Deltas: %d | Duration: %s\n",
			stats.MessageCount, stats.TotalDeltas, formatDuration(stats.Duration))
		if stats.TamperedStreams > 0 {
			u.printf("Integrity: %d of %d streams FAILED verification\n",
				stats.TamperedStreams, stats.VerifiedStreams+stats.TamperedStreams)
		}
		u.printf("Goodbye!\n")

	default:
		u.sessionSummaryBox(threadID, stats)
	}
}

// sessionSummaryBox renders the full-personality end-of-session box.
func (u *terminalChatUI) sessionSummaryBox(threadID string, stats *SessionStats) {
	var b strings.Builder
	bullet := func(format string, args ...any) {
		fmt.Fprintf(&b, "  %s  "+format+"\n", append([]any{IconBullet.Render()}, args...)...)
	}

	b.WriteString(Styles.Subtitle.Render("Session Summary"))
	b.WriteString("\n\n")
	if threadID != "" {
		fmt.Fprintf(&b, "  %s  %s\n", Styles.Muted.Render("Thread:"), Styles.Highlight.Render(threadID))
	}

	b.WriteString("\n")
	b.WriteString(Styles.Subtitle.Render("Statistics"))
	b.WriteString("\n\n")
	bullet("%d messages exchanged", stats.MessageCount)
	bullet("%d deltas streamed", stats.TotalDeltas)
	if stats.ArtifactCount > 0 {
		bullet("%d artifacts captured", stats.ArtifactCount)
	}

	switch {
	case stats.TamperedStreams > 0:
		fmt.Fprintf(&b, "  %s  %d of %d streams failed integrity verification\n",
			IconError.Render(), stats.TamperedStreams,
			stats.VerifiedStreams+stats.TamperedStreams)
	case stats.VerifiedStreams > 0:
		fmt.Fprintf(&b, "  %s  %d streams verified tamper-free\n",
			IconSuccess.Render(), stats.VerifiedStreams)
	}

	bullet("%s session duration", formatDuration(stats.Duration))
	if stats.FirstResponseLatency > 0 {
		bullet("%s time to first response", formatDuration(stats.FirstResponseLatency))
	}

	if threadID != "" {
		b.WriteString("\n")
		b.WriteString(Styles.Subtitle.Render("Continue Later"))
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "  %s\n", Styles.Muted.Render("Resume this thread:"))
		fmt.Fprintf(&b, "  %s\n", Styles.Success.Render("relaygate chat --thread "+threadID))
	}

	// 68 columns fits the resume command with a full UUID.
	u.printf("\n%s\n\n%s\n",
		Styles.Box.Width(68).Render(b.String()),
		Styles.Highlight.Render("Goodbye! 👋"))
}

// formatDuration renders a duration at the precision a human cares
// about at that scale: "500ms", "5.0s", "1m 30s", "2h 0m".
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		mins, secs := int(d.Minutes()), int(d.Seconds())%60
		if secs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm %ds", mins, secs)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// FormatRelativeTime renders a Unix-milliseconds timestamp as "2h
// ago" style relative time. Anything older than a month shows the
// date instead; zero means the gateway never recorded a time.
func FormatRelativeTime(unixMs int64) string {
	if unixMs == 0 {
		return "unknown"
	}

	t := time.UnixMilli(unixMs)
	diff := time.Since(t)
	if diff < time.Minute {
		return "just now"
	}

	ago := func(n int, singular, plural string) string {
		if n == 1 {
			return "1 " + singular + " ago"
		}
		return fmt.Sprintf("%d %s ago", n, plural)
	}

	switch {
	case diff < time.Hour:
		return ago(int(diff.Minutes()), "min", "mins")
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		return ago(int(diff.Hours()/24), "day", "days")
	case diff < 30*24*time.Hour:
		return ago(int(diff.Hours()/(24*7)), "week", "weeks")
	default:
		return t.Format("Jan 2, 2006")
	}
}
