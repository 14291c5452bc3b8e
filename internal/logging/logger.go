// Package logging configures the structured zerolog logger used by the relay.
// Packages log through github.com/rs/zerolog/log; Init installs the configured
// logger as the global one.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// Config configures the logger behavior.
type Config struct {
	Level      string    // debug, info, warn, error
	FilePath   string    // Optional file path for persistent logs
	Pretty     bool      // Human-readable console output
	WithCaller bool      // Add file:line of caller
	Component  string    // Component name attached to every event
	Output     io.Writer // Console writer, defaults to stderr
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Pretty: true,
	}
}

// VerboseConfig returns a configuration for verbose troubleshooting.
func VerboseConfig() *Config {
	return &Config{
		Level:      "debug",
		Pretty:     true,
		WithCaller: true,
	}
}

// ParseLevel converts a level name to a zerolog level. Unknown names map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGER
// ═══════════════════════════════════════════════════════════════════════════════

// nopCloser is returned when no log file was opened.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from cfg. The returned closer releases the log file,
// if one was opened.
func New(cfg *Config) (zerolog.Logger, io.Closer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	var (
		out    io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if cfg.FilePath != "" {
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	zctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		zctx = zctx.Str("component", cfg.Component)
	}
	logger := zctx.Logger()
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}

	return logger, closer, nil
}

// Init builds a logger from cfg and installs it as the global zerolog logger.
func Init(cfg *Config) (io.Closer, error) {
	logger, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	log.Logger = logger
	return closer, nil
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
