// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging wires slog output for the Relaygate CLI and gateway.
//
// The default destination is stderr, which keeps the CLI pipe-friendly:
// streamed chat output goes to stdout, diagnostics go to stderr. Two
// optional mirrors can be layered on top:
//
//   - a JSON log file per service and day (Config.LogDir), for users who
//     want a local record of gateway sessions
//   - a Sink (see sink.go), which receives structured Entry values and
//     is how tests observe log output without scraping stderr
//
// A Logger is usually installed as the process-wide slog default:
//
//	logger := logging.New(logging.Config{Level: logging.LevelWarn, Service: "cli"})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Attribute hygiene is the caller's job. Prompts, tokens, and message
// bodies must not appear as log attributes; log lengths, hashes, and
// identifiers instead.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the minimum severity a Logger will emit. The four values
// mirror slog's built-in levels.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the conventional upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config selects destinations and the minimum level. The zero value is
// a text logger writing Info and above to stderr.
type Config struct {
	// Level is the minimum severity emitted to every destination.
	Level Level

	// Service tags every entry with the emitting component ("cli",
	// "gateway"). It also names the log file when LogDir is set.
	Service string

	// LogDir, when non-empty, mirrors entries to a JSON file named
	// {service}-{YYYY-MM-DD}.log under this directory. A leading ~ is
	// expanded to the user's home. The directory is created on demand.
	LogDir string

	// JSON switches the stderr stream from text to JSON. File mirrors
	// are always JSON regardless.
	JSON bool

	// Quiet drops the stderr stream entirely, leaving only the file
	// and sink mirrors. Meant for the gateway under a supervisor that
	// captures stdout/stderr separately.
	Quiet bool

	// Sink receives a structured Entry per emitted record. Nil means
	// no sink.
	Sink Sink
}

// =============================================================================
// Logger
// =============================================================================

// sinkQueueSize bounds entries waiting for a slow Sink. When the queue
// is full new entries are dropped, never blocked on: logging must not
// apply backpressure to the request path.
const sinkQueueSize = 256

// Logger fans each record out to stderr, an optional file, and an
// optional Sink. Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
	core *loggerCore
}

// loggerCore holds the destinations shared by a root Logger and every
// child created through With. Close state lives here, behind the
// pointer, so a root and its children close the fan-out exactly once
// between them.
type loggerCore struct {
	cfg     Config
	file    *os.File
	sinkCh  chan Entry
	drained chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New builds a Logger from cfg. Destination setup failures (an
// unwritable LogDir) are reported on stderr and the mirror is skipped;
// the logger itself always works.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	core := &loggerCore{cfg: cfg}
	l := &Logger{core: core}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if cfg.LogDir != "" {
		file, err := openDailyLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relaygate: file logging disabled: %v\n", err)
		} else {
			core.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file still needs a place for Error-level
		// output; losing failures entirely is worse than noise.
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
	case 1:
		handler = handlers[0]
	default:
		handler = teeHandler(handlers)
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)

	if cfg.Sink != nil {
		core.sinkCh = make(chan Entry, sinkQueueSize)
		core.drained = make(chan struct{})
		go core.drainSink()
	}

	return l
}

// Default returns a text logger at Info level tagged "relaygate".
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "relaygate"})
}

// Debug logs msg with key-value attrs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.emit(LevelDebug, msg, args...) }

// Info logs msg with key-value attrs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.emit(LevelInfo, msg, args...) }

// Warn logs msg with key-value attrs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.emit(LevelWarn, msg, args...) }

// Error logs msg with key-value attrs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.emit(LevelError, msg, args...) }

// With returns a child logger carrying extra attributes on every
// record. The child shares the parent's destinations; closing either
// closes both.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), core: l.core}
}

// Slog exposes the underlying slog.Logger, typically for
// slog.SetDefault.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the sink queue, flushes and closes the sink, and syncs
// and closes the log file. Safe to call on a Logger with neither, and
// safe to call through any handle sharing the destinations.
func (l *Logger) Close() error {
	return l.core.close()
}

func (c *loggerCore) close() error {
	c.closeOnce.Do(func() {
		var errs []error

		if c.sinkCh != nil {
			close(c.sinkCh)
			<-c.drained
			if err := c.cfg.Sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sink: %w", err))
			}
		}

		if c.file != nil {
			if err := c.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("sync log file: %w", err))
			}
			if err := c.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}

		if len(errs) > 0 {
			c.closeErr = errs[0]
		}
	})
	return c.closeErr
}

// emit writes to slog and, when below the configured level is passed,
// drops the record. Sink delivery is best-effort through the bounded
// queue.
func (l *Logger) emit(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.core.sinkCh == nil || level < l.core.cfg.Level {
		return
	}
	entry := Entry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Service: l.core.cfg.Service,
		Attrs:   attrMap(args),
	}
	select {
	case l.core.sinkCh <- entry:
	default:
		// Queue full: the sink is slower than the log rate. Dropping
		// here keeps logging off the request path.
	}
}

// drainSink is the single consumer of the sink queue.
func (c *loggerCore) drainSink() {
	defer close(c.drained)
	for entry := range c.sinkCh {
		if err := c.cfg.Sink.Write(entry); err != nil {
			fmt.Fprintf(os.Stderr, "relaygate: log sink write failed: %v\n", err)
		}
	}
}

// =============================================================================
// Destination helpers
// =============================================================================

// openDailyLogFile opens (creating as needed) the JSON mirror file for
// service under dir, named per calendar day so old files can be pruned
// by date.
func openDailyLogFile(dir, service string) (*os.File, error) {
	if service == "" {
		service = "relaygate"
	}
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s-%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", name, err)
	}
	return file, nil
}

// expandHome rewrites a leading ~ to the current user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// attrMap folds slog-style alternating key-value args into a map for
// Entry.Attrs. Non-string keys and a trailing dangling key are skipped,
// matching slog's own tolerance for malformed pairs.
func attrMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			m[key] = args[i+1]
		}
	}
	return m
}
