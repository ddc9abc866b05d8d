// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeConfigFile drops YAML content into a temp file and returns its
// path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relaygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(30), cfg.RateLimit.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.WindowDuration.Std())
	assert.Equal(t, 5*time.Minute, cfg.Stream.Timeout.Std())
	assert.Equal(t, 8, cfg.Stream.QueueSize)
	assert.Equal(t, 1, cfg.Upstream.TransientRetryCount)
	assert.Equal(t, "memory", cfg.Quota.Backend)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "none", cfg.Auth.Mode)
}

func TestLoad_WithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9191
rate_limit:
  max: 120
  window_duration: 30s
stream:
  timeout: 2m
upstream:
  provider: openai
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, int64(120), cfg.RateLimit.Max)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.WindowDuration.Std())
	assert.Equal(t, 2*time.Minute, cfg.Stream.Timeout.Std())
	assert.Equal(t, "openai", cfg.Upstream.Provider)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, 8, cfg.Stream.QueueSize)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval.Std())
	assert.Equal(t, "memory", cfg.Quota.Backend)
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("RELAYGATE_TEST_PG_DSN", "postgres://gw:secret@db:5432/relaygate")

	path := writeConfigFile(t, `
store:
  backend: sql
  driver: postgres
  dsn: ${RELAYGATE_TEST_PG_DSN}
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "postgres://gw:secret@db:5432/relaygate", cfg.Store.DSN)
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("RELAYGATE_PORT", "7001")
	t.Setenv("RELAYGATE_RATE_LIMIT_MAX", "5")
	t.Setenv("RELAYGATE_STREAM_TIMEOUT", "90s")
	t.Setenv("RELAYGATE_LLM_PROVIDER", "anthropic")

	path := writeConfigFile(t, `
server:
  port: 9191
rate_limit:
  max: 120
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, int64(5), cfg.RateLimit.Max)
	assert.Equal(t, 90*time.Second, cfg.Stream.Timeout.Std())
	assert.Equal(t, "anthropic", cfg.Upstream.Provider)
}

func TestLoad_MalformedEnvOverride(t *testing.T) {
	t.Setenv("RELAYGATE_PORT", "not-a-port")

	_, err := Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAYGATE_PORT")
}

func TestLoad_MalformedDurationInFile(t *testing.T) {
	path := writeConfigFile(t, `
stream:
  timeout: quickly
`)

	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate_RejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.RateLimit.Max = 0 },
			wantErr: "validation failed",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Upstream.Provider = "mainframe" },
			wantErr: "validation failed",
		},
		{
			name:    "zero queue size",
			mutate:  func(c *Config) { c.Stream.QueueSize = 0 },
			wantErr: "validation failed",
		},
		{
			name:    "zero window",
			mutate:  func(c *Config) { c.RateLimit.WindowDuration = 0 },
			wantErr: "window_duration must be positive",
		},
		{
			name:    "negative close grace",
			mutate:  func(c *Config) { c.Stream.CloseGrace = Duration(-time.Second) },
			wantErr: "close_grace must not be negative",
		},
		{
			name:    "zero heartbeat",
			mutate:  func(c *Config) { c.Stream.HeartbeatInterval = 0 },
			wantErr: "heartbeat_interval must be positive",
		},
		{
			name:    "sql quota without dsn",
			mutate:  func(c *Config) { c.Quota.Backend = "sql"; c.Quota.Driver = "postgres" },
			wantErr: "quota.driver and quota.dsn",
		},
		{
			name:    "redis quota without addr",
			mutate:  func(c *Config) { c.Quota.Backend = "redis" },
			wantErr: "redis_addr is required",
		},
		{
			name:    "sql store without driver",
			mutate:  func(c *Config) { c.Store.Backend = "sql"; c.Store.DSN = "file:test.db" },
			wantErr: "store.driver and store.dsn",
		},
		{
			name:    "jwt without secret or jwks",
			mutate:  func(c *Config) { c.Auth.Mode = "jwt" },
			wantErr: "jwt_secret or auth.jwks_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AcceptsBackendCombinations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "sqlite quota",
			mutate: func(c *Config) {
				c.Quota.Backend = "sql"
				c.Quota.Driver = "sqlite3"
				c.Quota.DSN = "file:quota.db"
			},
		},
		{
			name: "redis quota",
			mutate: func(c *Config) {
				c.Quota.Backend = "redis"
				c.Quota.RedisAddr = "localhost:6379"
			},
		},
		{
			name:   "in-memory badger store",
			mutate: func(c *Config) { c.Store.Backend = "badger" },
		},
		{
			name: "jwt with shared secret",
			mutate: func(c *Config) {
				c.Auth.Mode = "jwt"
				c.Auth.JWTSecret = "super-secret"
			},
		},
		{
			name: "jwt with jwks url",
			mutate: func(c *Config) {
				c.Auth.Mode = "jwt"
				c.Auth.JWKSURL = "https://auth.example.com/jwks.json"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`250ms`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "250ms\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte(`fast`), &d))
}
