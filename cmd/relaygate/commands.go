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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/relaygate/pkg/logging"
	"github.com/AleutianAI/relaygate/pkg/ux"
)

// --- Global Command Variables ---
var (
	serverURL        string
	authToken        string
	personalityLevel string // UX personality level (full/minimal/machine)
	verbose          bool
	resumeThreadID   string
	forceDelete      bool

	// cliLogger is installed as the slog default in PersistentPreRun so
	// the service and runner layers log through it.
	cliLogger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "relaygate",
		Short: "A cli to chat through a Relaygate streaming gateway",
		Long: `Relaygate is a rate-limited streaming gateway in front of LLM
				providers. This cli streams chat responses from a running
				gateway, verifies each response's event hash chain, and
				manages conversation threads.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}

			// Route all slog output through the shared logger. Debug level
			// only with --verbose; RELAYGATE_LOG_DIR additionally mirrors
			// entries to a JSON log file.
			level := logging.LevelWarn
			if verbose {
				level = logging.LevelDebug
			}
			cliLogger = logging.New(logging.Config{
				Level:   level,
				Service: "cli",
				LogDir:  os.Getenv("RELAYGATE_LOG_DIR"),
			})
			slog.SetDefault(cliLogger.Slog())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cliLogger != nil {
				if err := cliLogger.Close(); err != nil {
					slog.Error("failed to close logger", "error", err)
				}
			}
		},
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive streaming chat session",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	// --- Threads ---
	threadsCmd = &cobra.Command{
		Use:   "threads",
		Short: "Manage conversation threads",
	}
	listThreadsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation threads",
		Run:   runListThreads, // Defined in cmd_threads.go
	}
	deleteThreadCmd = &cobra.Command{
		Use:   "delete [thread_id]",
		Short: "Delete a conversation thread and its messages",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteThread, // Defined in cmd_threads.go
	}

	// --- Status ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show your rate limit budget for the current window",
		Run:   runStatusCommand, // Defined in cmd_status.go
	}
)

// init runs when the Go program starts
func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Gateway base URL (default: RELAYGATE_SERVER env or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "",
		"Bearer token for the gateway (default: RELAYGATE_TOKEN env)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich), minimal, or machine (scripting)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging to stderr")

	// chat command
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&resumeThreadID, "thread", "",
		"Resume a conversation using a specific thread ID.")

	// thread commands
	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(listThreadsCmd)
	threadsCmd.AddCommand(deleteThreadCmd)
	deleteThreadCmd.Flags().BoolVar(&forceDelete, "force", false,
		"Skip the confirmation prompt.")

	// status command
	rootCmd.AddCommand(statusCmd)
}
