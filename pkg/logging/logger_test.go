package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want %s", cfg.Level, LevelInfo)
	}
	if cfg.Pretty {
		t.Error("Pretty should default to false")
	}
	if cfg.Output == nil {
		t.Error("Output should default to stderr")
	}
}

func TestSetup_WritesAtConfiguredLevel(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		emit  func(zerolog.Logger, string)
	}{
		{"debug_level", LevelDebug, func(l zerolog.Logger, m string) { l.Debug().Msg(m) }},
		{"info_level", LevelInfo, func(l zerolog.Logger, m string) { l.Info().Msg(m) }},
		{"warn_level", LevelWarn, func(l zerolog.Logger, m string) { l.Warn().Msg(m) }},
		{"error_level", LevelError, func(l zerolog.Logger, m string) { l.Error().Msg(m) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			tt.emit(logger, "pulled records")

			if !strings.Contains(buf.String(), "pulled records") {
				t.Errorf("output = %q, want it to contain the message", buf.String())
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("test")
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("messages below warn leaked into output: %q", output)
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message should be included at warn level")
	}
}

func TestForSubtype(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := ForSubtype(NewLogger("puller"), "acme", "event", "audit", "ce_event_audit")
	logger.Info().Msg("worker started")

	var fields map[string]any
	if err := json.Unmarshal(buf.Bytes(), &fields); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}

	want := map[string]string{
		"component": "puller",
		"tenant":    "acme",
		"type":      "event",
		"subtype":   "audit",
		"index":     "ce_event_audit",
	}
	for key, value := range want {
		if fields[key] != value {
			t.Errorf("field %s = %v, want %s", key, fields[key], value)
		}
	}
}

func TestRawResponse(t *testing.T) {
	short := []byte(`{"ok":0}`)
	if got := RawResponse(short); got != string(short) {
		t.Errorf("RawResponse(short) = %q, want %q", got, short)
	}

	long := bytes.Repeat([]byte("a"), MaxRawResponseBytes+10)
	got := RawResponse(long)
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("RawResponse(long) should be marked truncated, got suffix %q", got[len(got)-20:])
	}
	if len(got) != MaxRawResponseBytes+len("...(truncated)") {
		t.Errorf("len(RawResponse(long)) = %d, want %d", len(got), MaxRawResponseBytes+len("...(truncated)"))
	}
}
