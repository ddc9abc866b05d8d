// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

func TestParseLineDeltaPreservesChainFields(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"id":"ev-1","type":"delta","created_at":1712345678901,"prev_hash":"aaa","hash":"bbb","content":"Hello"}`)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, datatypes.EventDelta, event.Type)
	assert.Equal(t, "Hello", event.Content)
	// The chain covers the server-assigned id and timestamp; the
	// parser must not regenerate any of them.
	assert.Equal(t, "ev-1", event.Id)
	assert.Equal(t, int64(1712345678901), event.CreatedAt)
	assert.Equal(t, "aaa", event.PrevHash)
	assert.Equal(t, "bbb", event.Hash)
}

func TestParseLineEventPayloads(t *testing.T) {
	parser := NewSSEParser()

	status, err := parser.ParseLine(`data: {"type":"status","message":"Relaying to model..."}`)
	require.NoError(t, err)
	assert.Equal(t, datatypes.EventStatus, status.Type)
	assert.Equal(t, "Relaying to model...", status.Message)

	artifact, err := parser.ParseLine(`data: {"type":"artifact","language":"go","content":"package main"}`)
	require.NoError(t, err)
	assert.Equal(t, datatypes.EventArtifact, artifact.Type)
	assert.Equal(t, "go", artifact.Language)

	completion, err := parser.ParseLine(`data: {"type":"completion","thread_id":"th-abc123","has_artifact":true}`)
	require.NoError(t, err)
	assert.Equal(t, datatypes.EventCompletion, completion.Type)
	assert.Equal(t, "th-abc123", completion.ThreadId)
	assert.True(t, completion.HasArtifact)
	assert.True(t, completion.IsTerminal())

	errEvent, err := parser.ParseLine(`data: {"type":"error","error":"upstream unavailable"}`)
	require.NoError(t, err)
	assert.Equal(t, datatypes.EventError, errEvent.Type)
	assert.Equal(t, "upstream unavailable", errEvent.Error)
	assert.True(t, errEvent.IsTerminal())
}

func TestParseLineFramingAndEdgeCases(t *testing.T) {
	parser := NewSSEParser()

	cases := []struct {
		name    string
		line    string
		isEvent bool
		wantErr bool
	}{
		{"empty line", "", false, false},
		{"whitespace only", "   \t  ", false, false},
		{"keepalive comment", ": ping", false, false},
		{"event type line", "event: delta", false, false},
		{"empty data payload", "data:", false, false},
		{"data without space", `data:{"type":"delta","content":"Hi"}`, true, false},
		{"malformed json", `data: {invalid json}`, false, true},
		{"bare non-protocol line", "Hello world", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := parser.ParseLine(tc.line)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.isEvent, event != nil)
		})
	}
}

func TestParseRawJSON(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseRawJSON([]byte(`{"id":"ev-9","type":"delta","content":"Hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "ev-9", event.Id)
	assert.Equal(t, "Hello", event.Content)

	empty, err := parser.ParseRawJSON([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, empty.Type)

	_, err = parser.ParseRawJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestParserConcurrentUse(t *testing.T) {
	parser := NewSSEParser()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				event, err := parser.ParseLine(`data: {"type":"delta","content":"test"}`)
				assert.NoError(t, err)
				assert.NotNil(t, event)
			}
		}()
	}
	wg.Wait()
}
