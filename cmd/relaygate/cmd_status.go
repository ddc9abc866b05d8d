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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/relaygate/pkg/ux"
	"github.com/AleutianAI/relaygate/services/gateway/datatypes"
)

// fetchStatus queries the gateway's rate limit status endpoint.
//
// # Description
//
// Fetches the caller's current window from GET /v1/chat/status. Split
// out from the command handler so it can be tested against an httptest
// server.
func fetchStatus(ctx context.Context, client HTTPClient, baseURL string) (*datatypes.ChatStatusResponse, error) {
	resp, err := client.Get(ctx, fmt.Sprintf("%s/v1/chat/status", baseURL))
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var status datatypes.ChatStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}

	return &status, nil
}

func runStatusCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	baseURL := getGatewayBaseURL()
	client := newGatewayHTTPClient(getAuthToken(), 10*time.Second)

	status, err := fetchStatus(ctx, client, baseURL)
	if err != nil {
		log.Fatalf("Failed to fetch gateway status: %v", err)
	}

	displayStatus(baseURL, status)
}

// displayStatus renders the rate budget according to personality.
func displayStatus(baseURL string, status *datatypes.ChatStatusResponse) {
	if ux.GetPersonality().Level == ux.PersonalityMachine {
		fmt.Printf("limit=%d used=%d remaining=%d reset_after_ms=%d\n",
			status.Limit, status.Used, status.Remaining, status.ResetAfterMs)
		return
	}

	fmt.Printf("Gateway: %s\n", baseURL)
	fmt.Printf("Requests used: %d/%d\n", status.Used, status.Limit)
	fmt.Printf("Remaining: %d\n", status.Remaining)
	if status.ResetAfterMs > 0 {
		resetIn := (time.Duration(status.ResetAfterMs) * time.Millisecond).Round(time.Second)
		fmt.Printf("Window resets in: %s\n", resetIn)
	}
}
