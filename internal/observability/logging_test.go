package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func jsonLogger(buf *bytes.Buffer, level string) *Logger {
	return NewLogger(LogConfig{Level: level, Format: "json", Output: buf})
}

func TestLoggerRedactsAnthropicKey(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, "info")

	key := "sk-ant-" + strings.Repeat("a", 95)
	log.Info(context.Background(), "provider configured", "detail", "using key "+key)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Error("raw key leaked into the log")
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker in %q", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, "info")

	log.Info(context.Background(), "request prepared", "headers", map[string]any{
		"Authorization": "Bearer abc123def456abc123",
		"Content-Type":  "application/json",
	})

	out := buf.String()
	if strings.Contains(out, "abc123def456abc123") {
		t.Error("authorization value leaked")
	}
	if !strings.Contains(out, "application/json") {
		t.Error("benign header value should survive")
	}
}

func TestLoggerIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, "info")

	ctx := AddRunID(context.Background(), "run-9")
	ctx = AddSessionID(ctx, "sess-2")
	ctx = AddTurnID(ctx, "turn-4")
	ctx = AddTool(ctx, "bash")
	log.Info(ctx, "dispatching")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for key, want := range map[string]string{
		"run_id": "run-9", "session_id": "sess-2", "turn_id": "turn-4", "tool": "bash",
	} {
		if record[key] != want {
			t.Errorf("%s = %v, want %s", key, record[key], want)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, "warn")

	log.Debug(context.Background(), "too quiet")
	log.Info(context.Background(), "also quiet")
	log.Warn(context.Background(), "loud enough")

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if buf.Len() == 0 || lines != 1 {
		t.Errorf("expected one record, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "loud enough") {
		t.Error("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGetRunAndSessionID(t *testing.T) {
	ctx := AddRunID(context.Background(), "run-1")
	ctx = AddSessionID(ctx, "sess-1")
	if GetRunID(ctx) != "run-1" || GetSessionID(ctx) != "sess-1" {
		t.Error("context accessors should round-trip")
	}
	if GetRunID(context.Background()) != "" {
		t.Error("empty context should yield empty run ID")
	}
}

func TestLoggerSyncIsNoop(t *testing.T) {
	if err := NewLogger(LogConfig{Output: &bytes.Buffer{}}).Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
}
