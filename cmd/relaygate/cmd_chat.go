// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/relaygate/pkg/validation"
)

func runChatCommand(cmd *cobra.Command, args []string) {
	threadID := ""
	if resumeThreadID != "" {
		sanitized, err := validation.SanitizeThreadID(resumeThreadID)
		if err != nil {
			log.Fatalf("Invalid thread ID: %v", err)
		}
		threadID = sanitized
	}

	runner := NewGatewayChatRunner(GatewayChatRunnerConfig{
		BaseURL:  getGatewayBaseURL(),
		Token:    getAuthToken(),
		ThreadID: threadID,
	})
	defer runner.Close()

	// Ctrl-C ends the session; the runner's shutdown path still
	// prints the summary and the resume command.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Chat error: %v", err)
	}
}
