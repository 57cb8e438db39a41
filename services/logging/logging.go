// Package logging sets up the per-run log file mirrored to the console.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meshtelem/x/timex"
)

// ParseLevel maps debug/info/warn/error; anything else is debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// FileName is the run log name for a start time: <prefix>_YYYYMMDD_HHMMSS.log.
func FileName(prefix string, start time.Time) string {
	return fmt.Sprintf("%s_%s.log", prefix, timex.RunStamp(start))
}

// Run is an open run log.
type Run struct {
	Logger *slog.Logger
	Path   string
	file   *os.File
}

func (r *Run) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Open creates dir if needed and a fresh log file named after start. Log
// records go to both console and the file. If the file cannot be created
// the logger still writes to console and the error is returned alongside
// it.
func Open(dir, prefix string, start time.Time, console io.Writer, level slog.Level) (*Run, error) {
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	path := filepath.Join(dir, FileName(prefix, start))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l := slog.New(slog.NewTextHandler(console, opts))
		return &Run{Logger: l}, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l := slog.New(slog.NewTextHandler(console, opts))
		return &Run{Logger: l}, fmt.Errorf("open log file: %w", err)
	}
	l := slog.New(slog.NewTextHandler(io.MultiWriter(console, f), opts))
	l.Info("logger initialized", "file", path)
	return &Run{Logger: l, Path: path, file: f}, nil
}
