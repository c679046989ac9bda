package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	child := logger.WithField("component", "queue")
	child.Warn("job rejected", Fields{"job_id": "abc", "err": errors.New("cost limit exceeded")})

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry.Level != "WARN" || entry.Message != "job rejected" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Fields["component"] != "queue" || entry.Fields["job_id"] != "abc" {
		t.Errorf("missing fields: %+v", entry.Fields)
	}
	if entry.Fields["err"] != "cost limit exceeded" {
		t.Errorf("errors should be rendered as strings, got %v", entry.Fields["err"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.Error("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO should be filtered at WARN level")
	}
	if !strings.Contains(out, "ERROR: shown") {
		t.Errorf("expected ERROR line, got %q", out)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, true)
	parent.SetOutput(&buf)
	_ = parent.WithField("provider", "openai")

	parent.Info("plain")
	if strings.Contains(buf.String(), "openai") {
		t.Errorf("child fields leaked into parent: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != DEBUG || ParseLevel("WARNING") != WARN || ParseLevel("nope") != INFO {
		t.Errorf("ParseLevel mapping broken")
	}
}
