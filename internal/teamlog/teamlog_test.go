package teamlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithEmptyPathDiscards(t *testing.T) {
	log, err := New("", slog.LevelInfo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("should not panic or write anywhere")
}

func TestNewWritesTimestampedEntries(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")

	log, err := New(logPath, slog.LevelInfo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("agent spawned", "agent_id", "agent-1")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "agent spawned") {
		t.Errorf("log file missing expected message, got: %s", data)
	}
	if !strings.Contains(string(data), "agent_id=agent-1") {
		t.Errorf("log file missing structured field, got: %s", data)
	}
}

func TestNewCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "nested", "logs", "run.log")

	if _, err := New(logPath, slog.LevelInfo); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("expected log file to exist: %v", err)
	}
}

func TestForRunFallsBackToDiscardOnBadPath(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// rootDir is a regular file, so logs/<runID>.log cannot be created under it.
	log := ForRun(blocked, "run-1", slog.LevelInfo)
	log.Info("must not panic")
}
