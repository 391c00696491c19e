package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestLogger_LevelFiltering tests that lines below the threshold are dropped
func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: WARN, Output: &buf, Format: FormatText})

	logger.Debug("dropped")
	logger.Info("dropped too")
	logger.Warn("kept")
	logger.Error("kept as well")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("low-level lines leaked: %s", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "kept as well") {
		t.Errorf("expected WARN/ERROR lines, got: %s", out)
	}
}

// TestLogger_JSONFormat tests JSON output with merged fields
func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: DEBUG, Output: &buf, Format: FormatJSON}).
		WithFields(F("component", "fetch"))

	logger.Info("started", F("key", `["todos"]`))

	var e struct {
		Level   string         `json:"level"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("output is not valid JSON: %v (%s)", err, buf.String())
	}
	if e.Level != "INFO" || e.Message != "started" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Fields["component"] != "fetch" || e.Fields["key"] != `["todos"]` {
		t.Errorf("fields not merged: %+v", e.Fields)
	}
}

// TestDiscard tests that the default library logger emits nothing
func TestDiscard(t *testing.T) {
	logger := Discard()
	// Must not panic, must not write anywhere observable.
	logger.Error("nobody hears this")
}

// TestParseLevel tests level name parsing
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
		{"off", OFF},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
