// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"", 10, ""},
		{"hello world this runs long", 10, "hello w..."},
		{"hello", 4, "h..."},
		{"hello", 3, "..."},
		{"hello", 0, "..."},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Truncate(tc.in, tc.maxLen), "Truncate(%q, %d)", tc.in, tc.maxLen)
	}
}

func TestAleutianThemeConfigured(t *testing.T) {
	theme := aleutianTheme()
	require.NotNil(t, theme)
	assert.Equal(t, ColorTealBright, theme.Focused.Title.GetForeground())
	assert.Equal(t, ColorError, theme.Focused.ErrorMessage.GetForeground())
}
