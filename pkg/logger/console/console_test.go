package console

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleLogger(ConsoleLoggerParams{Format: "json", Output: &buf})
	c.Info("[Flow] Run finished", "dataset", "ec_meetings")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "[Flow] Run finished" || line["dataset"] != "ec_meetings" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	NewConsoleLogger(ConsoleLoggerParams{Output: &buf}).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %q", buf.String())
	}
	NewConsoleLogger(ConsoleLoggerParams{Debug: true, Output: &buf}).Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}
