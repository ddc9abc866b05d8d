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
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	DefaultGatewayPort = 8080
	DefaultGatewayHost = "localhost"
)

// getGatewayBaseURL returns the address of the gateway.
//
// Resolution order:
//  1. --server flag
//  2. RELAYGATE_SERVER environment variable (used by tests & container overrides)
//  3. Default host/port
//
// A trailing slash is stripped so callers can append paths directly.
func getGatewayBaseURL() string {
	if serverURL != "" {
		return strings.TrimSuffix(serverURL, "/")
	}
	if url := os.Getenv("RELAYGATE_SERVER"); url != "" {
		return strings.TrimSuffix(url, "/")
	}
	return fmt.Sprintf("http://%s:%d", DefaultGatewayHost, DefaultGatewayPort)
}

// getAuthToken returns the bearer token for gateway requests.
//
// Resolution order: --token flag, then RELAYGATE_TOKEN environment
// variable. Empty means unauthenticated (gateways running the nop auth
// provider accept that).
func getAuthToken() string {
	if authToken != "" {
		return authToken
	}
	return os.Getenv("RELAYGATE_TOKEN")
}

// newGatewayHTTPClient builds the HTTP client used by the threads and
// status commands. The bearer token is attached to every request when
// one is configured.
func newGatewayHTTPClient(token string, timeout time.Duration) HTTPClient {
	return &defaultHTTPClient{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}
