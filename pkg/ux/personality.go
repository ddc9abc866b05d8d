// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel selects how rich the CLI output is.
type PersonalityLevel string

const (
	// PersonalityFull: color, icons, spinners, boxed summaries.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal: plain prefixed lines, no spinners or boxes.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine: line-oriented KEY: value output for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// Personality is the process-wide output configuration. Read it
// through GetPersonality; a copy is returned so callers can't mutate
// shared state.
type Personality struct {
	Level PersonalityLevel
}

var personality = struct {
	sync.RWMutex
	current Personality
}{current: Personality{Level: PersonalityFull}}

// GetPersonality returns the current personality.
func GetPersonality() Personality {
	personality.RLock()
	defer personality.RUnlock()
	return personality.current
}

// SetPersonality replaces the current personality.
func SetPersonality(p Personality) {
	personality.Lock()
	defer personality.Unlock()
	personality.current = p
}

// SetPersonalityLevel changes only the level.
func SetPersonalityLevel(level PersonalityLevel) {
	personality.Lock()
	defer personality.Unlock()
	personality.current.Level = level
}

// ParsePersonalityLevel maps user input to a level. Unrecognized
// strings fall back to full rather than erroring; a typo in an env
// var should never break the CLI.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(s) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// InitPersonality picks the startup level: RELAYGATE_PERSONALITY if
// set, machine when stdout is piped, full otherwise.
func InitPersonality() {
	if env := os.Getenv("RELAYGATE_PERSONALITY"); env != "" {
		SetPersonalityLevel(ParsePersonalityLevel(env))
		return
	}
	if !stdoutIsTerminal() {
		SetPersonalityLevel(PersonalityMachine)
		return
	}
	SetPersonalityLevel(PersonalityFull)
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// IsInteractive reports whether prompting the user is appropriate.
func IsInteractive() bool {
	return GetPersonality().Level != PersonalityMachine && stdoutIsTerminal()
}

// ShouldShowProgress reports whether spinners and progress bars
// should animate.
func ShouldShowProgress() bool {
	return GetPersonality().Level == PersonalityFull
}

// DefaultPersonality is the personality used before InitPersonality
// runs.
func DefaultPersonality() Personality {
	return Personality{Level: PersonalityFull}
}
