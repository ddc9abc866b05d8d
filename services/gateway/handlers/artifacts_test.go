// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   []Artifact
	}{
		{
			name:   "plain prose",
			answer: "The capital of France is Paris.",
			want:   nil,
		},
		{
			name:   "single go block",
			answer: "Here you go:\n```go\npackage main\n\nfunc main() {}\n```\nDone.",
			want: []Artifact{
				{Language: "go", Content: "package main\n\nfunc main() {}"},
			},
		},
		{
			name:   "block without language tag",
			answer: "```\nplain snippet\n```",
			want: []Artifact{
				{Language: "", Content: "plain snippet"},
			},
		},
		{
			name:   "uppercase tag is normalized",
			answer: "```Python\nprint(1)\n```",
			want: []Artifact{
				{Language: "python", Content: "print(1)"},
			},
		},
		{
			name: "multiple blocks keep order",
			answer: "First:\n```sql\nSELECT 1;\n```\nThen:\n```bash\necho hi\n```",
			want: []Artifact{
				{Language: "sql", Content: "SELECT 1;"},
				{Language: "bash", Content: "echo hi"},
			},
		},
		{
			name:   "unclosed fence is not an artifact",
			answer: "Oops:\n```go\nfunc broken() {",
			want:   nil,
		},
		{
			name:   "empty block is dropped",
			answer: "```\n```",
			want:   nil,
		},
		{
			name:   "language with plus sign",
			answer: "```c++\nint main() { return 0; }\n```",
			want: []Artifact{
				{Language: "c++", Content: "int main() { return 0; }"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectArtifacts(tt.answer)
			require.Len(t, got, len(tt.want))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectArtifacts_InteriorNewlinesPreserved(t *testing.T) {
	answer := "```go\nline one\n\nline three\n```"
	got := DetectArtifacts(answer)
	require.Len(t, got, 1)
	assert.Equal(t, "line one\n\nline three", got[0].Content)
}
