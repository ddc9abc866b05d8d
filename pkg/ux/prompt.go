// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// aleutianTheme returns a huh form theme styled with the Aleutian palette.
func aleutianTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Focused.Title = t.Focused.Title.Foreground(ColorTealBright).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorSlate)
	t.Focused.SelectSelector = t.Focused.SelectSelector.Foreground(ColorTealPrimary)
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(ColorTealBright)
	t.Focused.FocusedButton = t.Focused.FocusedButton.Foreground(lipgloss.Color("#FFFFFF")).Background(ColorTealPrimary)
	t.Focused.BlurredButton = t.Focused.BlurredButton.Foreground(ColorSlate)
	t.Focused.ErrorMessage = t.Focused.ErrorMessage.Foreground(ColorError)

	t.Blurred.Title = t.Blurred.Title.Foreground(ColorTealDeep)

	return t
}

// Confirm shows a themed yes/no prompt and returns the user's choice.
//
// Intended for destructive operations. Callers should gate on
// IsInteractive() first; running a form against a non-terminal stdin
// returns an error.
func Confirm(title, description string) (bool, error) {
	var confirmed bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	).WithTheme(aleutianTheme())

	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

// truncate shortens s to at most maxLen characters, appending "..." when
// anything was cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}

// Truncate is the exported form of truncate for callers outside the package.
func Truncate(s string, maxLen int) string {
	return truncate(s, maxLen)
}
