// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders the relaygate CLI's terminal output: styled
// status lines, streaming chat display, SSE frame parsing, and the
// event hash chain verifier.
//
// Everything user-facing respects the personality level
// (personality.go): full gets color and boxes, minimal gets plain
// prefixed lines, machine gets grep-able KEY: value lines.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Relaygate palette. Teal is the brand hue; semantic colors keep
// terminal conventions so red always means failure.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = ColorTealBright
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = ColorSlate
)

// styleSet is the one place styles are assembled, so themes stay
// consistent across commands.
type styleSet struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}

func newStyleSet() styleSet {
	border := func(color lipgloss.Color) lipgloss.Style {
		return lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(color).
			Padding(0, 1)
	}
	return styleSet{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
		Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
		Bold:      lipgloss.NewStyle().Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
		Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
		Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
		Error:     lipgloss.NewStyle().Foreground(ColorError),
		Highlight: lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),

		Box:        border(ColorTealDeep),
		WarningBox: border(ColorWarning),
	}
}

// Styles is the shared style set. Treat as read-only.
var Styles = newStyleSet()

// boxWidth is the fixed width of boxed summaries.
const boxWidth = 60

// Icon is a themed status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render colors the icon to match its meaning.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// statusLine writes one status message in the current personality.
// Machine mode gets "PREFIX: text" on the given writer; minimal gets
// icon + plain text; full gets icon + styled text.
func statusLine(w io.Writer, icon Icon, style lipgloss.Style, machinePrefix, text string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(w, "%s: %s\n", machinePrefix, text)
	case PersonalityMinimal:
		fmt.Printf("%s %s\n", icon.Render(), text)
	default:
		fmt.Printf("%s %s\n", icon.Render(), style.Render(text))
	}
}

// Title prints a styled heading; machine mode stays silent.
func Title(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Println(Styles.Title.Render(text))
}

// Success prints a success line.
func Success(text string) {
	statusLine(os.Stdout, IconSuccess, Styles.Success, "OK", text)
}

// Warning prints a warning line; machine mode routes it to stderr.
func Warning(text string) {
	statusLine(os.Stderr, IconWarning, Styles.Warning, "WARN", text)
}

// Error prints an error line; machine mode routes it to stderr.
func Error(text string) {
	statusLine(os.Stderr, IconError, Styles.Error, "ERROR", text)
}

// Info prints a secondary informational line.
func Info(text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Println(text)
		return
	}
	fmt.Printf("%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints de-emphasized text; machine mode stays silent.
func Muted(text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Println(Styles.Muted.Render(text))
}

// Box prints a titled summary box; lower personalities degrade to a
// heading or a single "title: content" line.
func Box(title, content string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Printf("%s: %s\n", title, content)
	case PersonalityMinimal:
		fmt.Printf("%s\n%s\n", Styles.Title.Render(title), content)
	default:
		heading := Styles.Title.Render(title)
		fmt.Println(Styles.Box.Width(boxWidth).Render(heading + "\n" + content))
	}
}

// WarningBox is Box in warning colors; machine mode goes to stderr.
func WarningBox(title, content string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(os.Stderr, "WARN %s: %s\n", title, content)
	case PersonalityMinimal:
		fmt.Printf("%s\n%s\n", Styles.Warning.Bold(true).Render(title), content)
	default:
		heading := Styles.Warning.Bold(true).Render(title)
		fmt.Println(Styles.WarningBox.Width(boxWidth).Render(heading + "\n" + content))
	}
}
