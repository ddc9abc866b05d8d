// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata is a string-keyed bag of claims and event detail. The named
// type (over a bare map[string]any) buys type-safe accessors and makes
// signatures self-describing.
//
// Metadata is not safe for concurrent mutation; build it on one
// goroutine, then treat it as read-only.
type Metadata map[string]any

// NewMetadata returns an empty, initialized Metadata.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set stores a key-value pair, returning the map for chaining:
//
//	meta := NewMetadata().Set("session_id", sid).Set("mfa", true)
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get returns the raw value and whether the key exists.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString returns the value when it exists and is a string.
func (m Metadata) GetString(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// GetBool returns the value when it exists and is a bool.
func (m Metadata) GetBool(key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

// GetTime returns the value when it exists and is a time.Time.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	t, ok := m[key].(time.Time)
	return t, ok
}

// Has reports whether the key exists, whatever its value.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Clone returns a shallow copy; pointer values still alias.
func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies other's entries into m, overwriting collisions, and
// returns m. A nil other is a no-op.
func (m Metadata) Merge(other Metadata) Metadata {
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Len returns the number of entries.
func (m Metadata) Len() int {
	return len(m)
}
