// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import "context"

// DataClassification is a sensitivity level, ordered PUBLIC <
// CONFIDENTIAL < PII < SECRET. Policy decisions key off the highest
// level found in a message.
type DataClassification string

const (
	// ClassificationPublic marks content safe to send anywhere.
	ClassificationPublic DataClassification = "PUBLIC"

	// ClassificationConfidential marks internal-only content.
	ClassificationConfidential DataClassification = "CONFIDENTIAL"

	// ClassificationPII marks personal data subject to GDPR/CCPA
	// style handling.
	ClassificationPII DataClassification = "PII"

	// ClassificationSecret marks credentials and keys; prompts at
	// this level should never reach an external provider.
	ClassificationSecret DataClassification = "SECRET"
)

// ClassificationResult is what a classifier found in one piece of
// content. One message can carry findings at several levels;
// HighestLevel is the single value policy checks branch on.
type ClassificationResult struct {
	// HighestLevel is the most sensitive classification present.
	HighestLevel DataClassification

	// Findings details each detection; empty when nothing matched.
	Findings []ClassificationFinding

	// IsClean is true when no sensitive data was found.
	IsClean bool
}

// ClassificationFinding is one detected piece of sensitive data.
type ClassificationFinding struct {
	// Classification is this finding's level.
	Classification DataClassification

	// Type names the data kind: "email", "api_key", "credit_card".
	Type string

	// Location says where in the content the match sits.
	Location string

	// Pattern identifies the rule that matched, for tuning.
	Pattern string

	// Snippet is a truncated, log-safe excerpt of the match. Never
	// the full matched text.
	Snippet string
}

// DataClassifier scans prompt text for sensitive data before the
// gateway forwards it to an external model provider. The gateway
// records findings as audit metadata; whether to also block is the
// MessageFilter's call, keeping detection and policy separable.
//
// Implementations must be safe for concurrent use. Pattern-based
// classifiers have false positives; findings are signals, not proof.
type DataClassifier interface {
	// Classify scans content and reports the findings. The result is
	// non-nil whenever the error is nil.
	Classify(ctx context.Context, content string) (*ClassificationResult, error)
}

// NopDataClassifier reports everything as clean public text, the
// single-user default.
type NopDataClassifier struct{}

// Classify returns a clean PUBLIC result without reading the content.
func (c *NopDataClassifier) Classify(_ context.Context, _ string) (*ClassificationResult, error) {
	return &ClassificationResult{
		HighestLevel: ClassificationPublic,
		IsClean:      true,
	}, nil
}

var _ DataClassifier = (*NopDataClassifier)(nil)
