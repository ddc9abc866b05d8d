// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetchStatus_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/status" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"limit":60,"used":2,"remaining":58,"reset_after_ms":45000}`)
	}))
	defer srv.Close()

	client := newGatewayHTTPClient("", 5*time.Second)
	status, err := fetchStatus(context.Background(), client, srv.URL)
	if err != nil {
		t.Fatalf("fetchStatus failed: %v", err)
	}

	if status.Limit != 60 {
		t.Errorf("expected limit 60, got %d", status.Limit)
	}
	if status.Used != 2 {
		t.Errorf("expected used 2, got %d", status.Used)
	}
	if status.Remaining != 58 {
		t.Errorf("expected remaining 58, got %d", status.Remaining)
	}
	if status.ResetAfterMs != 45000 {
		t.Errorf("expected reset_after_ms 45000, got %d", status.ResetAfterMs)
	}
}

func TestFetchStatus_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"limit":60,"used":0,"remaining":60,"reset_after_ms":0}`)
	}))
	defer srv.Close()

	client := newGatewayHTTPClient("tok-123", 5*time.Second)
	if _, err := fetchStatus(context.Background(), client, srv.URL); err != nil {
		t.Fatalf("fetchStatus failed: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("expected bearer token forwarded, got %q", gotAuth)
	}
}

func TestFetchStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newGatewayHTTPClient("", 5*time.Second)
	_, err := fetchStatus(context.Background(), client, srv.URL)
	if err == nil {
		t.Fatal("expected error on 503 response")
	}
	if !strings.Contains(err.Error(), "server error (503)") {
		t.Errorf("expected status in error, got %q", err.Error())
	}
}
