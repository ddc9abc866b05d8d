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
	"regexp"
	"strings"
)

// Artifact is one fenced code block extracted from a completed answer.
type Artifact struct {
	// Language is the fence's language tag, lowercased. Empty when the
	// fence carried no tag.
	Language string

	// Content is the code between the fences, without the trailing
	// newline that precedes the closing fence.
	Content string
}

// fencePattern matches one complete fenced code block: the opening
// fence with an optional language tag, a newline, the lazily-matched
// body, then the closing fence. Unclosed fences do not match.
var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[ \t]*\n(.*?)```")

// DetectArtifacts extracts fenced code blocks from a completed answer,
// in order of appearance. Blocks with an empty body are dropped. A nil
// result means the answer carries no code artifacts.
func DetectArtifacts(answer string) []Artifact {
	matches := fencePattern.FindAllStringSubmatch(answer, -1)
	if len(matches) == 0 {
		return nil
	}

	var artifacts []Artifact
	for _, m := range matches {
		content := strings.TrimSuffix(m[2], "\n")
		if content == "" {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Language: strings.ToLower(m[1]),
			Content:  content,
		})
	}
	return artifacts
}
