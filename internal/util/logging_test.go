package util

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerFallsBackToSecondDir(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	root := t.TempDir()
	blocked := filepath.Join(root, "blocked")
	if err := os.WriteFile(blocked, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fallback := filepath.Join(root, "fallback")

	logger, cleanup := InitLogger("debug", "chat", blocked, fallback)
	if cleanup == nil {
		t.Fatal("expected a log file in the fallback dir")
	}
	logger.Info("hello")
	cleanup()

	data, err := os.ReadFile(filepath.Join(fallback, "chat.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) || !strings.Contains(string(data), `"service":"chat"`) {
		t.Fatalf("unexpected log contents %q", data)
	}
}

func TestInitLoggerWithoutDirsLogsToStdoutOnly(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	if _, cleanup := InitLogger("info", "chat", "", " "); cleanup != nil {
		t.Fatal("no log file expected without dirs")
	}
}
