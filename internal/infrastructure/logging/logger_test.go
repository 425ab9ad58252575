package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
)

func TestNew_ReturnsLogger(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stderr"},
	} {
		if New(cfg, "1.0.0") == nil {
			t.Fatalf("New(%+v) = nil", cfg)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewWithWriter_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "2.1.0", &buf)

	logger.Info("runnable started", "pid", 42)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["service"] != ServiceName {
		t.Errorf("service = %v, want %q", entry["service"], ServiceName)
	}
	if entry["version"] != "2.1.0" {
		t.Errorf("version = %v, want 2.1.0", entry["version"])
	}
	if entry["msg"] != "runnable started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["pid"] != float64(42) {
		t.Errorf("pid = %v, want 42", entry["pid"])
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, "dev", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info entry written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Format: "json"}, "dev", &buf)

	logger.Component("process").Info("hello")

	if !strings.Contains(buf.String(), `"component":"process"`) {
		t.Errorf("component field missing: %s", buf.String())
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() = nil")
	}
}
