// Package logging provides the structured logger every component in the
// connectivity core binds to at construction. It wraps zerolog rather than
// log/slog so that a single logging library is used end to end, matching
// the rest of this module's stack.
package logging

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog.Level but keeps the public surface independent of
// the underlying logging library.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects the console vs. JSON renderer.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures a Logger.
type Config struct {
	Level       Level
	Format      Format
	Output      io.Writer
	ServiceName string
	Environment string
}

// DefaultConfig returns the configuration the CLI and library defaults use
// when the caller does not supply one.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		Format:      FormatJSON,
		Output:      os.Stdout,
		ServiceName: "p2pconnect",
		Environment: "development",
	}
}

// Metrics tracks how much a Logger has emitted, useful for a debug endpoint
// that wants to report "am I being too noisy".
type Metrics struct {
	mu          sync.Mutex
	TotalLogs   int64
	LogsByLevel map[string]int64
	ErrorCount  int64
	LastEmit    time.Time
}

func newMetrics() *Metrics {
	return &Metrics{LogsByLevel: make(map[string]int64)}
}

func (m *Metrics) record(level string) {
	atomic.AddInt64(&m.TotalLogs, 1)
	m.mu.Lock()
	m.LogsByLevel[level]++
	m.mu.Unlock()
	if level == "error" || level == "fatal" {
		atomic.AddInt64(&m.ErrorCount, 1)
	}
	m.mu.Lock()
	m.LastEmit = time.Now()
	m.mu.Unlock()
}

// Logger is the structured logger bound to one component instance. Every
// component constructed by this module (STUN requester, TURN allocation,
// RUDP channel, ...) holds one, created with For so log lines carry a
// stable "component"/"instance" pair.
type Logger struct {
	zl      zerolog.Logger
	metrics *Metrics
}

// New builds a root Logger from Config.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var writer io.Writer = cfg.Output
	if cfg.Format == FormatConsole {
		writer = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(writer).
		Level(cfg.Level.zerolog()).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &Logger{zl: zl, metrics: newMetrics()}
}

// For returns a child Logger tagged with component/instance, the pattern
// every package in this module uses at construction time (e.g. a TURN
// client tags its logger with component="turn.client", instance=allocation
// ID).
func (l *Logger) For(component, instance string) *Logger {
	return &Logger{
		zl:      l.zl.With().Str("component", component).Str("instance", instance).Logger(),
		metrics: l.metrics,
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, zerolog.DebugLevel, "debug", msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, zerolog.InfoLevel, "info", msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, zerolog.WarnLevel, "warn", msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.applyFields(ev, fields).Msg(msg)
	l.metrics.record("error")
}

func (l *Logger) emit(_ context.Context, level zerolog.Level, levelName, msg string, fields map[string]interface{}) {
	ev := l.zl.WithLevel(level)
	l.applyFields(ev, fields).Msg(msg)
	l.metrics.record(levelName)
}

func (l *Logger) applyFields(ev *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

// Metrics returns the shared emission counters for this logger's lineage.
func (l *Logger) Metrics() *Metrics {
	return l.metrics
}
