package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"fatal", FatalLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		level, err := ParseLevel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error: %v", tt.input, err)
		}
		if level != tt.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.input, tt.expected, level)
		}
	}
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, "json", &buf)

	l.WithComponent("chat").Info("upstream call finished", Fields{
		"status": 200,
	})

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if entry.Level != "INFO" {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.Component != "chat" {
		t.Errorf("expected component chat, got %s", entry.Component)
	}
	if entry.Message != "upstream call finished" {
		t.Errorf("unexpected message: %s", entry.Message)
	}
	if entry.Fields["status"] != float64(200) {
		t.Errorf("expected status field 200, got %v", entry.Fields["status"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WarnLevel, "text", &buf)

	l.Info("should be dropped")
	l.Warn("should be written")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Error("info message written despite warn level")
	}
	if !strings.Contains(out, "should be written") {
		t.Error("warn message missing")
	}
}

func TestLogger_ComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, "text", &buf)
	l.SetComponentLevel("fleet", ErrorLevel)

	l.WithComponent("fleet").Info("noisy tick")
	l.WithComponent("fleet").Error("robot stuck")
	l.WithComponent("chat").Info("chat info")

	out := buf.String()
	if strings.Contains(out, "noisy tick") {
		t.Error("component override did not suppress info message")
	}
	if !strings.Contains(out, "robot stuck") {
		t.Error("component error message missing")
	}
	if !strings.Contains(out, "chat info") {
		t.Error("other component should keep the global level")
	}
}

func TestLogger_Redaction(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, "json", &buf)
	if err := l.SetRedactPatterns([]string{"(?i)api_key", "secret"}); err != nil {
		t.Fatalf("SetRedactPatterns: %v", err)
	}

	l.Info("config loaded", Fields{
		"api_key": "sk-1234567890abcdef",
		"model":   "companion-1",
	})

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	key, _ := entry.Fields["api_key"].(string)
	if !strings.HasPrefix(key, "***") || strings.Contains(key, "sk-1234") {
		t.Errorf("api_key not redacted: %q", key)
	}
	if entry.Fields["model"] != "companion-1" {
		t.Errorf("non-sensitive field altered: %v", entry.Fields["model"])
	}
}

func TestLogger_InvalidRedactPattern(t *testing.T) {
	l := New(InfoLevel, "json", &bytes.Buffer{})
	if err := l.SetRedactPatterns([]string{"("}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	if a == "" || a == b {
		t.Errorf("expected unique non-empty IDs, got %q and %q", a, b)
	}
}
