// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration.
//
// Configuration is resolved in three layers, each overriding the last:
// built-in defaults, an optional YAML file (environment references like
// ${VAR} are expanded before parsing), and RELAYGATE_* environment
// variables. The resolved Config is validated once at startup and never
// mutated afterwards; components receive the slices of it they need at
// construction.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Quota     QuotaConfig     `yaml:"quota"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port the gateway listens on.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// ShutdownGrace bounds how long in-flight streams may run after a
	// termination signal before the listener is torn down.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// RateLimitConfig configures the fixed-window request limiter.
type RateLimitConfig struct {
	// Max is the number of chat requests an identity may start per
	// window.
	Max int64 `yaml:"max" validate:"gt=0"`

	// WindowDuration is the length of the fixed window.
	WindowDuration Duration `yaml:"window_duration"`
}

// StreamConfig configures relay and delivery behavior.
type StreamConfig struct {
	// Timeout caps the total duration of one upstream stream.
	Timeout Duration `yaml:"timeout"`

	// QueueSize is the bounded delta queue between the upstream reader
	// and the client writer.
	QueueSize int `yaml:"queue_size" validate:"gte=1"`

	// CloseGrace bounds upstream teardown after an abort.
	CloseGrace Duration `yaml:"close_grace"`

	// HeartbeatInterval is the keepalive ping cadence.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// MaxHistoryTurns is the number of prior exchange turns sent to the
	// provider as context.
	MaxHistoryTurns int `yaml:"max_history_turns" validate:"gte=0"`
}

// UpstreamConfig selects and tunes the LLM provider.
type UpstreamConfig struct {
	// Provider is the upstream backend. Provider credentials and
	// endpoints come from each provider's own environment variables
	// (OPENAI_API_KEY, OLLAMA_BASE_URL, ...).
	Provider string `yaml:"provider" validate:"oneof=openai anthropic gemini ollama"`

	// TransientRetryCount is how many times a transient upstream
	// failure is retried before any output has been produced.
	TransientRetryCount int `yaml:"transient_retry_count" validate:"gte=0"`
}

// QuotaConfig selects the rate-limit counter backend.
type QuotaConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sql redis"`

	// Driver and DSN configure the sql backend.
	Driver string `yaml:"driver" validate:"omitempty,oneof=postgres sqlite3"`
	DSN    string `yaml:"dsn"`

	// RedisAddr configures the redis backend (host:port).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
}

// StoreConfig selects the message persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sql badger"`

	// Driver and DSN configure the sql backend.
	Driver string `yaml:"driver" validate:"omitempty,oneof=postgres sqlite3"`
	DSN    string `yaml:"dsn"`

	// BadgerPath is the on-disk location for the badger backend. Empty
	// selects an ephemeral in-memory badger instance.
	BadgerPath string `yaml:"badger_path"`
}

// AuthConfig selects the authentication mode.
type AuthConfig struct {
	// Mode "none" serves every request as the local user; "jwt"
	// validates bearer tokens.
	Mode string `yaml:"mode" validate:"oneof=none jwt"`

	// JWTSecret is the HS256 shared secret for jwt mode.
	JWTSecret string `yaml:"jwt_secret"`

	// JWTAudience is the expected aud claim.
	JWTAudience string `yaml:"jwt_audience"`

	// JWKSURL enables asymmetric verification against a JWKS endpoint
	// instead of a shared secret.
	JWKSURL string `yaml:"jwks_url"`
}

// TelemetryConfig overrides the observability defaults. Empty fields
// fall back to the observability package's environment-driven defaults.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// =============================================================================
// Defaults and Loading
// =============================================================================

// configValidate is the validator instance for config structs.
var configValidate = validator.New()

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present: a single-replica local gateway
// with in-memory backends and no authentication.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:          8080,
			ShutdownGrace: Duration(10 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Max:            30,
			WindowDuration: Duration(time.Minute),
		},
		Stream: StreamConfig{
			Timeout:           Duration(5 * time.Minute),
			QueueSize:         8,
			CloseGrace:        Duration(5 * time.Second),
			HeartbeatInterval: Duration(15 * time.Second),
			MaxHistoryTurns:   20,
		},
		Upstream: UpstreamConfig{
			Provider:            "ollama",
			TransientRetryCount: 1,
		},
		Quota: QuotaConfig{Backend: "memory"},
		Store: StoreConfig{Backend: "memory"},
		Auth: AuthConfig{
			Mode:        "none",
			JWTAudience: "authenticated",
		},
	}
}

// Load resolves the gateway configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path when path
// is non-empty (environment references like ${VAR} are expanded before
// parsing), then applies RELAYGATE_* environment overrides, and
// validates the result.
//
// # Inputs
//
//   - path: YAML file location; "" skips the file layer entirely
//
// # Outputs
//
//   - Config: the resolved, validated configuration
//   - error: file read/parse failures, malformed overrides, or
//     validation failures
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides layers RELAYGATE_* variables over the config.
func applyEnvOverrides(cfg *Config) error {
	envString("RELAYGATE_LLM_PROVIDER", &cfg.Upstream.Provider)
	envString("RELAYGATE_QUOTA_BACKEND", &cfg.Quota.Backend)
	envString("RELAYGATE_QUOTA_DRIVER", &cfg.Quota.Driver)
	envString("RELAYGATE_QUOTA_DSN", &cfg.Quota.DSN)
	envString("RELAYGATE_REDIS_ADDR", &cfg.Quota.RedisAddr)
	envString("RELAYGATE_REDIS_PASSWORD", &cfg.Quota.RedisPassword)
	envString("RELAYGATE_STORE_BACKEND", &cfg.Store.Backend)
	envString("RELAYGATE_STORE_DRIVER", &cfg.Store.Driver)
	envString("RELAYGATE_STORE_DSN", &cfg.Store.DSN)
	envString("RELAYGATE_BADGER_PATH", &cfg.Store.BadgerPath)
	envString("RELAYGATE_AUTH_MODE", &cfg.Auth.Mode)
	envString("RELAYGATE_JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("RELAYGATE_JWT_AUDIENCE", &cfg.Auth.JWTAudience)
	envString("RELAYGATE_JWKS_URL", &cfg.Auth.JWKSURL)

	if err := envInt("RELAYGATE_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := envInt64("RELAYGATE_RATE_LIMIT_MAX", &cfg.RateLimit.Max); err != nil {
		return err
	}
	if err := envInt("RELAYGATE_STREAM_QUEUE_SIZE", &cfg.Stream.QueueSize); err != nil {
		return err
	}
	if err := envDuration("RELAYGATE_RATE_LIMIT_WINDOW", &cfg.RateLimit.WindowDuration); err != nil {
		return err
	}
	if err := envDuration("RELAYGATE_STREAM_TIMEOUT", &cfg.Stream.Timeout); err != nil {
		return err
	}
	if err := envDuration("RELAYGATE_HEARTBEAT_INTERVAL", &cfg.Stream.HeartbeatInterval); err != nil {
		return err
	}
	return nil
}

// Validate checks structural constraints plus the duration and backend
// rules the struct tags cannot express.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.RateLimit.WindowDuration.Std() <= 0 {
		return errors.New("rate_limit.window_duration must be positive")
	}
	if c.Stream.Timeout.Std() <= 0 {
		return errors.New("stream.timeout must be positive")
	}
	if c.Stream.CloseGrace.Std() < 0 {
		return errors.New("stream.close_grace must not be negative")
	}
	if c.Stream.HeartbeatInterval.Std() <= 0 {
		return errors.New("stream.heartbeat_interval must be positive")
	}
	if c.Server.ShutdownGrace.Std() < 0 {
		return errors.New("server.shutdown_grace must not be negative")
	}

	if c.Quota.Backend == "sql" && (c.Quota.Driver == "" || c.Quota.DSN == "") {
		return errors.New("quota.driver and quota.dsn are required for the sql backend")
	}
	if c.Quota.Backend == "redis" && c.Quota.RedisAddr == "" {
		return errors.New("quota.redis_addr is required for the redis backend")
	}
	if c.Store.Backend == "sql" && (c.Store.Driver == "" || c.Store.DSN == "") {
		return errors.New("store.driver and store.dsn are required for the sql backend")
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return errors.New("auth.jwt_secret or auth.jwks_url is required for jwt mode")
	}
	return nil
}

// =============================================================================
// Environment Helpers
// =============================================================================

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func envInt(key string, target *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	*target = parsed
	return nil
}

func envInt64(key string, target *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	*target = parsed
	return nil
}

func envDuration(key string, target *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	*target = Duration(parsed)
	return nil
}
