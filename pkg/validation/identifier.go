// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// storage keys, database queries, or log fields. Using these validators
// prevents injection attacks (key-prefix forgery, path traversal, log forgery).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// threadIDPattern matches valid thread identifiers.
// Allows: letters, digits, dots, underscores, hyphens (covers UUID v4
// and human-assigned ids). Must start alphanumeric.
// Max length: 64 characters.
//
// The character set deliberately excludes ':' because persistent stores
// build composite keys with ':' as the field separator.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateThreadID validates a thread identifier to prevent key injection.
//
// Thread ids arrive as URL path parameters and end up embedded in
// composite storage keys, so their shape is checked before any store
// access. Valid thread ids:
//   - 1-64 characters
//   - Letters A-Z a-z and digits 0-9
//   - Dots (.), underscores (_), and hyphens (-) after the first character
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateThreadID(threadID); err != nil {
//	    return nil, fmt.Errorf("invalid thread id: %w", err)
//	}
//	// Safe to use in a storage key
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id cannot be empty")
	}

	if !threadIDPattern.MatchString(id) {
		return fmt.Errorf("invalid thread id format: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", id)
	}

	return nil
}

// ValidateThreadIDs validates multiple thread identifiers.
// Returns an error listing all invalid ids if any fail validation.
func ValidateThreadIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateThreadID(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid thread ids: %v", invalid)
	}
	return nil
}

// SanitizeThreadID normalizes and validates a thread identifier.
// Returns the trimmed id if valid, or an error if invalid.
//
// Use this for ids typed or pasted by a person, where surrounding
// whitespace is likely:
//
//	safeID, err := validation.SanitizeThreadID(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeThreadID(id string) (string, error) {
	normalized := strings.TrimSpace(id)
	if err := ValidateThreadID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
