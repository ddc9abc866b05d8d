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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/relaygate/pkg/ux"
	"github.com/AleutianAI/relaygate/pkg/validation"
)

// threadInfo mirrors the gateway's thread summary payload.
type threadInfo struct {
	ThreadID      string    `json:"thread_id"`
	Title         string    `json:"title"`
	MessageCount  int64     `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// fetchThreads lists all threads from the gateway.
//
// # Description
//
// Fetches the thread index from GET /v1/threads. Split out from the
// command handler so it can be tested against an httptest server.
//
// # Inputs
//
//   - ctx: Context for cancellation/timeout
//   - client: HTTP client (production or test)
//   - baseURL: Gateway base URL without trailing slash
//
// # Outputs
//
//   - []threadInfo: Threads ordered most recent first (server ordering)
//   - error: Non-nil on network, server, or parse errors
func fetchThreads(ctx context.Context, client HTTPClient, baseURL string) ([]threadInfo, error) {
	resp, err := client.Get(ctx, fmt.Sprintf("%s/v1/threads", baseURL))
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Threads []threadInfo `json:"threads"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse threads: %w", err)
	}

	return payload.Threads, nil
}

// deleteThread removes a thread and its messages from the gateway.
//
// # Description
//
// Sends DELETE /v1/threads/{id}. The thread ID is path-escaped so IDs
// containing slashes cannot change the request path.
//
// # Outputs
//
//   - error: Non-nil if the thread does not exist or the request failed
func deleteThread(ctx context.Context, client HTTPClient, baseURL, threadID string) error {
	deleteURL := fmt.Sprintf("%s/v1/threads/%s", baseURL, url.PathEscape(threadID))

	resp, err := client.Delete(ctx, deleteURL)
	if err != nil {
		return fmt.Errorf("http delete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("thread not found: %s", threadID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	return nil
}

func runListThreads(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newGatewayHTTPClient(getAuthToken(), 30*time.Second)
	threads, err := fetchThreads(ctx, client, getGatewayBaseURL())
	if err != nil {
		log.Fatalf("Failed to list threads: %v", err)
	}

	if len(threads) == 0 {
		fmt.Println("No threads found.")
		return
	}

	fmt.Println("Threads:")
	fmt.Println("------------------------------------------------------------------")
	for _, t := range threads {
		fmt.Printf("ID: %s\nTitle: %s\nMessages: %d | Last message: %s\n\n",
			t.ThreadID,
			ux.Truncate(t.Title, 60),
			t.MessageCount,
			ux.FormatRelativeTime(t.LastMessageAt.UnixMilli()))
	}
}

func runDeleteThread(cmd *cobra.Command, args []string) {
	threadID, err := validation.SanitizeThreadID(args[0])
	if err != nil {
		log.Fatalf("Invalid thread ID: %v", err)
	}

	// Confirm unless forced or running non-interactively (scripts, CI)
	if !forceDelete && ux.IsInteractive() {
		confirmed, err := ux.Confirm(
			fmt.Sprintf("Delete thread %s?", ux.Truncate(threadID, 24)),
			"This permanently removes the thread and all of its messages.",
		)
		if err != nil {
			log.Fatalf("Failed to read confirmation: %v", err)
		}
		if !confirmed {
			fmt.Println("Deletion cancelled.")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := newGatewayHTTPClient(getAuthToken(), 30*time.Second)
	if err := deleteThread(ctx, client, getGatewayBaseURL(), threadID); err != nil {
		log.Fatalf("Failed to delete thread: %v", err)
	}

	fmt.Printf("Successfully deleted thread: %s\n", threadID)
}
