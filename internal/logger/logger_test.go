package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("no log output")
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, line)
	}
	return m
}

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			if got := zerolog.GlobalLevel(); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestJSONFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info("placed", "key", "lm_head", "device", 1, 42, "numeric-key")

	m := decodeLine(t, &buf)
	if m["message"] != "placed" {
		t.Errorf("message = %v", m["message"])
	}
	if m["key"] != "lm_head" {
		t.Errorf("key = %v", m["key"])
	}
	if m["device"] != float64(1) {
		t.Errorf("device = %v", m["device"])
	}
	if m["42"] != "numeric-key" {
		t.Errorf("non-string key not stringified: %v", m)
	}
}

func TestOddArgsDropTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Warn("odd", "k1", "v1", "orphan")

	m := decodeLine(t, &buf)
	if _, ok := m["orphan"]; ok {
		t.Error("orphan key should be dropped")
	}
	if m["level"] != "warn" {
		t.Errorf("level = %v", m["level"])
	}
}

func TestErrorValue(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Error("failed", "err", errors.New("boom"))

	m := decodeLine(t, &buf)
	if m["err"] != "boom" {
		t.Errorf("err = %v", m["err"])
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json").With("component", "planner")
	l.Info("hello")

	m := decodeLine(t, &buf)
	if m["component"] != "planner" {
		t.Errorf("component = %v", m["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Debug("filtered")
	l.Info("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %q", buf.String())
	}
	l.Error("kept")
	if buf.Len() == 0 {
		t.Error("error level should be written")
	}
}
