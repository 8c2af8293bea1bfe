// Package obslog sets up the engine's structured logging: a JSON slog
// handler writing to a size-rotated file, optionally tee'd to stderr.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config controls Setup.
type Config struct {
	Level         string // debug, info, warn, error
	FilePath      string // empty disables file logging
	MaxSizeMB     int
	MaxFiles      int
	WriteToStderr bool
}

// DefaultConfig logs at info level to ~/.hybridkb/logs/engine.log, tee'd to stderr.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// DefaultLogDir returns ~/.hybridkb/logs, falling back to a temp dir.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".hybridkb", "logs")
	}
	return filepath.Join(home, ".hybridkb", "logs")
}

// DefaultLogPath returns DefaultLogDir()/engine.log.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "engine.log")
}

// Setup builds the logger and a cleanup func that flushes and closes the
// underlying file. Callers must invoke cleanup before process exit.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if cfg.FilePath == "" {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
		return slog.New(handler), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, nil, err
	}

	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	logger := slog.New(handler)

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}
	return logger, cleanup, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
