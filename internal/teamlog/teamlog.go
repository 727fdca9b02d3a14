// Package teamlog builds the shared file-backed logger used by the task
// store, the agents, and the orchestrator. It
// generalizes the teacher's timestamped debug-log-file idiom into a
// standard *slog.Logger, so every component keeps using log/slog directly
// rather than a bespoke logging type.
package teamlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// New builds a text-handler slog.Logger appending timestamped records to
// logPath. An empty logPath returns a logger that discards
// every record, matching the teacher's no-op-when-unconfigured behavior.
func New(logPath string, level slog.Level) (*slog.Logger, error) {
	if logPath == "" {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})), nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	log := slog.New(handler)
	log.Info("team log started")
	return log, nil
}

// ForRun builds a logger at <rootDir>/logs/<runID>.log, the conventional
// per-run debug log location under a team's store directory. Falls back to
// a discarding logger if the log file cannot be created.
func ForRun(rootDir, runID string, level slog.Level) *slog.Logger {
	logPath := filepath.Join(rootDir, "logs", runID+".log")
	log, err := New(logPath, level)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return log
}
