// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// INTERFACES
// =============================================================================

// ChatRunner defines the contract for running an interactive chat session.
//
// # Description
//
// This interface encapsulates the chat loop logic, making it testable
// by allowing dependency injection of services and input sources.
//
// # Thread Safety
//
// Implementations are not required to be thread-safe. Each runner
// instance should be used by a single goroutine.
type ChatRunner interface {
	// Run executes the chat loop until exit or error.
	//
	// Inputs:
	//   - ctx: Context for cancellation.
	//
	// Outputs:
	//   - error: Non-nil on fatal errors. Returns nil on clean exit.
	Run(ctx context.Context) error

	// Close releases resources held by the runner.
	Close() error
}

// InputReader abstracts reading user input for testability.
//
// # Description
//
// Production implementations read from stdin; test implementations
// return scripted inputs.
type InputReader interface {
	// ReadLine reads a single line of input.
	//
	// Outputs:
	//   - string: The line read, without trailing newline.
	//   - error: io.EOF at end of input, other errors on failure.
	ReadLine() (string, error)
}

// PromptingInputReader is an InputReader that renders its own prompt.
//
// # Description
//
// Interactive readers draw the prompt inside their own input widget,
// so the caller must not print a separate prompt string. The runner
// checks for this interface to decide whether to print one.
type PromptingInputReader interface {
	InputReader

	// SetPrompt sets the prompt text rendered before the input field.
	SetPrompt(prompt string)
}

// =============================================================================
// STDIN READER
// =============================================================================

// StdinReader reads input from standard input.
//
// # Description
//
// Production InputReader implementation wrapping bufio.Reader. Used
// when stdin is not a terminal (pipes, redirects, CI environments).
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a reader for standard input.
func NewStdinReader() *StdinReader {
	return &StdinReader{
		reader: bufio.NewReader(os.Stdin),
	}
}

// ReadLine reads a line from stdin, trimming whitespace.
func (r *StdinReader) ReadLine() (string, error) {
	input, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// =============================================================================
// INTERACTIVE READER
// =============================================================================

// InteractiveInputReader reads input with line editing and history.
//
// # Description
//
// Terminal InputReader implementation built on bubbletea's textinput.
// Provides cursor movement, up/down arrow history recall, Ctrl+C to
// clear the current line, and Ctrl+D to end the session.
//
// # Limitations
//
//   - Requires a real terminal; falls back to StdinReader otherwise
//   - History is per-session only, never persisted
//
// # Thread Safety
//
// Not thread-safe. Use from a single goroutine.
type InteractiveInputReader struct {
	history      []string
	historyIndex int
	maxHistory   int
	prompt       string
}

// NewInteractiveInputReader creates an interactive reader with history.
//
// # Description
//
// Creates an InteractiveInputReader when stdin is a terminal. When
// stdin is a pipe or redirect, returns a StdinReader instead so the
// CLI stays scriptable.
//
// # Inputs
//
//   - maxHistory: Maximum number of history entries to retain.
//
// # Outputs
//
//   - InputReader: Interactive reader, or StdinReader fallback.
func NewInteractiveInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}

	return &InteractiveInputReader{
		history:      make([]string, 0, maxHistory),
		historyIndex: -1,
		maxHistory:   maxHistory,
		prompt:       "> ",
	}
}

// SetPrompt sets the prompt rendered before the input field.
func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine reads a line with editing and history support.
//
// # Description
//
// Runs a bubbletea program hosting a single-line text input. Returns
// io.EOF when the user presses Ctrl+D on an empty line.
//
// # Outputs
//
//   - string: The line entered, trimmed of surrounding whitespace.
//   - error: io.EOF on Ctrl+D, other errors on terminal failures.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{
		textInput:    ti,
		history:      r.history,
		historyIndex: -1,
	}

	// Render on stderr so piped stdout carries only chat output.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	result, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("input program: %w", err)
	}

	final, ok := result.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected input model type %T", result)
	}

	if final.cancelled {
		return "", io.EOF
	}

	input := strings.TrimSpace(final.textInput.Value())
	if input != "" {
		r.addToHistory(input)
	}
	return input, nil
}

// addToHistory appends an entry, deduplicating consecutive repeats.
func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// =============================================================================
// INPUT MODEL
// =============================================================================

// inputModel is the bubbletea model backing a single input line.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string
	done         bool
	cancelled    bool
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlC:
			// Clear the line rather than killing the process. Session
			// shutdown goes through the signal handler in cmd_chat.go.
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit

		case tea.KeyCtrlD:
			if m.textInput.Value() == "" {
				m.cancelled = true
				return m, tea.Quit
			}

		case tea.KeyUp:
			if len(m.history) > 0 && m.historyIndex < len(m.history)-1 {
				if m.historyIndex == -1 {
					m.currentInput = m.textInput.Value()
				}
				m.historyIndex++
				m.textInput.SetValue(m.history[len(m.history)-1-m.historyIndex])
				m.textInput.CursorEnd()
			}
			return m, nil

		case tea.KeyDown:
			if m.historyIndex > -1 {
				m.historyIndex--
				if m.historyIndex == -1 {
					m.textInput.SetValue(m.currentInput)
				} else {
					m.textInput.SetValue(m.history[len(m.history)-1-m.historyIndex])
				}
				m.textInput.CursorEnd()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done || m.cancelled {
		return ""
	}
	return m.textInput.View()
}

// =============================================================================
// MOCK READER
// =============================================================================

// MockInputReader returns scripted inputs for testing.
//
// # Description
//
// Test InputReader implementation that returns predefined inputs in
// sequence, then io.EOF when exhausted.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a mock reader with scripted inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next scripted input or io.EOF.
func (r *MockInputReader) ReadLine() (string, error) {
	if r.index >= len(r.inputs) {
		return "", io.EOF
	}
	input := r.inputs[r.index]
	r.index++
	return input, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// isExitCommand reports whether the input ends the session.
//
// Matches are case-sensitive: "exit" and "quit" end the session,
// "Exit" is sent to the model like any other prompt.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ InputReader = (*StdinReader)(nil)
var _ PromptingInputReader = (*InteractiveInputReader)(nil)
var _ InputReader = (*MockInputReader)(nil)
