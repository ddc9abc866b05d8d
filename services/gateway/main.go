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
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	// SQL drivers for the sql quota and message store backends.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/AleutianAI/relaygate/pkg/extensions"
	"github.com/AleutianAI/relaygate/services/gateway/config"
	"github.com/AleutianAI/relaygate/services/gateway/handlers"
	"github.com/AleutianAI/relaygate/services/gateway/observability"
	"github.com/AleutianAI/relaygate/services/gateway/ratelimit"
	"github.com/AleutianAI/relaygate/services/gateway/routes"
	"github.com/AleutianAI/relaygate/services/gateway/store"
	"github.com/AleutianAI/relaygate/services/llm"
)

// telemetryConfig overlays file-provided telemetry settings on the
// environment-driven defaults. Empty fields keep the default.
func telemetryConfig(cfg config.TelemetryConfig) observability.Config {
	tc := observability.DefaultConfig()
	if cfg.TraceExporter != "" {
		tc.TraceExporter = cfg.TraceExporter
	}
	if cfg.MetricExporter != "" {
		tc.MetricExporter = cfg.MetricExporter
	}
	if cfg.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.OTLPEndpoint
	}
	return tc
}

// buildUpstream selects the streaming provider client. Credentials come
// from provider environment variables (OPENAI_API_KEY and friends), not
// from the config file.
func buildUpstream(provider string) (llm.StreamClient, error) {
	switch provider {
	case "openai":
		slog.Info("Using OpenAI upstream")
		return llm.NewOpenAIClient()
	case "anthropic":
		slog.Info("Using Anthropic upstream")
		return llm.NewAnthropicClient()
	case "gemini":
		slog.Info("Using Gemini upstream")
		return llm.NewGeminiClient()
	case "ollama":
		slog.Info("Using Ollama upstream")
		return llm.NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", provider)
	}
}

// sqlDialect maps a database/sql driver name onto the dialect the SQL
// stores speak. The registered sqlite driver is "sqlite3" while the
// stores' query dialect is "sqlite".
func sqlDialect(driver string) string {
	if driver == "sqlite3" {
		return "sqlite"
	}
	return driver
}

// buildQuotaStore creates the configured quota backend. The second return
// value closes the backing connection (database or redis client); it is
// nil for the in-memory backend.
func buildQuotaStore(cfg config.QuotaConfig, window time.Duration) (ratelimit.QuotaStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		slog.Info("Using in-memory quota store")
		qs, err := ratelimit.NewMemoryQuotaStore(window)
		if err != nil {
			return nil, nil, err
		}
		return qs, nil, nil
	case "sql":
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open quota database: %w", err)
		}
		qs, err := ratelimit.NewSQLQuotaStore(db, sqlDialect(cfg.Driver), window)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("Using SQL quota store", "driver", cfg.Driver)
		return qs, db.Close, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		qs, err := ratelimit.NewRedisQuotaStore(client, window)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		slog.Info("Using Redis quota store", "addr", cfg.RedisAddr)
		return qs, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown quota backend %q", cfg.Backend)
	}
}

// buildMessageStore creates the configured transcript backend. The second
// return value closes the backing database connection for the sql backend
// and is nil otherwise (Badger owns its files and closes via the store).
func buildMessageStore(cfg config.StoreConfig) (store.MessageStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		slog.Info("Using in-memory message store")
		return store.NewMemoryMessageStore(), nil, nil
	case "sql":
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open message database: %w", err)
		}
		ms, err := store.NewSQLMessageStore(db, sqlDialect(cfg.Driver))
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("Using SQL message store", "driver", cfg.Driver)
		return ms, db.Close, nil
	case "badger":
		if cfg.BadgerPath == "" {
			slog.Info("Using in-memory Badger message store")
			ms, err := store.NewBadgerMessageStoreInMemory()
			if err != nil {
				return nil, nil, err
			}
			return ms, nil, nil
		}
		slog.Info("Using Badger message store", "path", cfg.BadgerPath)
		ms, err := store.NewBadgerMessageStore(cfg.BadgerPath, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		return ms, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildAuthProvider selects the token validation strategy for the /v1
// route group.
func buildAuthProvider(cfg config.AuthConfig) (extensions.AuthProvider, error) {
	switch cfg.Mode {
	case "none", "":
		slog.Info("Auth disabled, all requests run as local-user")
		return &extensions.NopAuthProvider{}, nil
	case "jwt":
		provider, err := extensions.NewJWTAuthProvider(extensions.JWTConfig{
			Secret:   cfg.JWTSecret,
			JWKSURL:  cfg.JWKSURL,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("JWT auth enabled", "audience", cfg.JWTAudience)
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("RELAYGATE_CONFIG"), "path to the gateway config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// --- Init telemetry ---
	telemetryShutdown, err := observability.Init(context.Background(), telemetryConfig(cfg.Telemetry))
	if err != nil {
		log.Fatalf("failed to setup telemetry: %v", err)
	}
	observability.InitMetrics()

	log.Println("Configuring the upstream LLM client")
	upstream, err := buildUpstream(cfg.Upstream.Provider)
	if err != nil {
		log.Fatalf("Failed to initialize upstream client: %v", err)
	}

	window := cfg.RateLimit.WindowDuration.Std()
	quota, quotaConnClose, err := buildQuotaStore(cfg.Quota, window)
	if err != nil {
		log.Fatalf("Failed to initialize quota store: %v", err)
	}
	messages, storeConnClose, err := buildMessageStore(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to initialize message store: %v", err)
	}

	limiter, err := ratelimit.NewLimiter(quota, cfg.RateLimit.Max, window)
	if err != nil {
		log.Fatalf("Failed to initialize rate limiter: %v", err)
	}

	relay, err := handlers.NewStreamRelay(limiter, upstream, messages, handlers.RelayConfig{
		QueueSize:        cfg.Stream.QueueSize,
		StreamTimeout:    cfg.Stream.Timeout.Std(),
		CloseGrace:       cfg.Stream.CloseGrace.Std(),
		TransientRetries: cfg.Upstream.TransientRetryCount,
	})
	if err != nil {
		log.Fatalf("Failed to initialize stream relay: %v", err)
	}

	opts := extensions.DefaultOptions()
	opts.AuthProvider, err = buildAuthProvider(cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to initialize auth provider: %v", err)
	}

	chat := handlers.NewChatStreamingHandler(relay, messages, opts, handlers.StreamingConfig{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval.Std(),
		MaxHistoryTurns:   cfg.Stream.MaxHistoryTurns,
	})

	router := gin.Default()
	router.Use(otelgin.Middleware("gateway-service"))
	routes.SetupRoutes(router, chat, limiter, messages, opts)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: a chat stream holds the response open for
		// minutes. The relay enforces its own per-stream timeout.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the gateway server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown did not complete cleanly", "error", err)
	}

	if err := messages.Close(); err != nil {
		slog.Error("message store close failed", "error", err)
	}
	if err := quota.Close(); err != nil {
		slog.Error("quota store close failed", "error", err)
	}
	if storeConnClose != nil {
		if err := storeConnClose(); err != nil {
			slog.Error("message store connection close failed", "error", err)
		}
	}
	if quotaConnClose != nil {
		if err := quotaConnClose(); err != nil {
			slog.Error("quota store connection close failed", "error", err)
		}
	}
	if err := telemetryShutdown(context.Background()); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}

	// Wipe any secure buffers still alive before the process exits.
	memguard.Purge()
	slog.Info("Gateway stopped")
}
