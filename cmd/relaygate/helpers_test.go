// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import "testing"

func TestGetGatewayBaseURL_Default(t *testing.T) {
	orig := serverURL
	defer func() { serverURL = orig }()
	serverURL = ""
	t.Setenv("RELAYGATE_SERVER", "")

	got := getGatewayBaseURL()
	if got != "http://localhost:8080" {
		t.Errorf("expected default URL, got %q", got)
	}
}

func TestGetGatewayBaseURL_FlagWins(t *testing.T) {
	orig := serverURL
	defer func() { serverURL = orig }()
	serverURL = "http://flag-host:1234/"
	t.Setenv("RELAYGATE_SERVER", "http://env-host:9999")

	got := getGatewayBaseURL()
	if got != "http://flag-host:1234" {
		t.Errorf("expected flag URL with trailing slash stripped, got %q", got)
	}
}

func TestGetGatewayBaseURL_EnvFallback(t *testing.T) {
	orig := serverURL
	defer func() { serverURL = orig }()
	serverURL = ""
	t.Setenv("RELAYGATE_SERVER", "http://env-host:9999/")

	got := getGatewayBaseURL()
	if got != "http://env-host:9999" {
		t.Errorf("expected env URL with trailing slash stripped, got %q", got)
	}
}

func TestGetAuthToken_FlagWins(t *testing.T) {
	orig := authToken
	defer func() { authToken = orig }()
	authToken = "flag-token"
	t.Setenv("RELAYGATE_TOKEN", "env-token")

	if got := getAuthToken(); got != "flag-token" {
		t.Errorf("expected flag token, got %q", got)
	}
}

func TestGetAuthToken_EnvFallback(t *testing.T) {
	orig := authToken
	defer func() { authToken = orig }()
	authToken = ""
	t.Setenv("RELAYGATE_TOKEN", "env-token")

	if got := getAuthToken(); got != "env-token" {
		t.Errorf("expected env token, got %q", got)
	}
}

func TestGetAuthToken_Empty(t *testing.T) {
	orig := authToken
	defer func() { authToken = orig }()
	authToken = ""
	t.Setenv("RELAYGATE_TOKEN", "")

	if got := getAuthToken(); got != "" {
		t.Errorf("expected empty token, got %q", got)
	}
}
