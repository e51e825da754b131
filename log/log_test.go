package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	stderrors "errors"
)

func TestNew_LogfmtOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithWriter(&buf), WithFormat(FormatLogfmt))

	logger.Info("layer refreshed", Str("layer", "file"), Int("keys", 12))

	out := buf.String()
	if !strings.Contains(out, "layer refreshed") {
		t.Errorf("output %q missing message", out)
	}
	if !strings.Contains(out, "layer=file") {
		t.Errorf("output %q missing layer attr", out)
	}
	if !strings.Contains(out, "keys=12") {
		t.Errorf("output %q missing keys attr", out)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithWriter(&buf), WithFormat(FormatJSON))

	logger.Info("started", Str("source", "env"), Dur("debounce", 200*time.Millisecond))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["msg"] != "started" {
		t.Errorf("msg = %v, want %q", record["msg"], "started")
	}
	if record["source"] != "env" {
		t.Errorf("source = %v, want %q", record["source"], "env")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithWriter(&buf), WithLevel(slog.LevelInfo))

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug output = %q, want none at info level", buf.String())
	}

	logger.Info("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("info message missing at info level")
	}
}

func TestError_IncludesErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithWriter(&buf), WithFormat(FormatJSON))

	logger.Error(stderrors.New("connection refused"), "source load failed", Str("source", "nats"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["error"] != "connection refused" {
		t.Errorf("error = %v, want %q", record["error"], "connection refused")
	}
	if record["source"] != "nats" {
		t.Errorf("source = %v, want %q", record["source"], "nats")
	}
	if record["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", record["level"])
	}
}

func TestError_NilError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithWriter(&buf), WithFormat(FormatJSON))

	logger.Error(nil, "degraded")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if _, ok := record["error"]; ok {
		t.Error("nil error must not produce an error attr")
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WithWriter(&buf), WithFormat(FormatJSON))

	child := logger.With(Str("component", "registry"))
	child.Info("bound")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["component"] != "registry" {
		t.Errorf("component = %v, want %q", record["component"], "registry")
	}
}

func TestNop(t *testing.T) {
	logger := Nop()

	// Must be safe to call with anything, including a child logger.
	logger.Debug("x")
	logger.Info("x", Str("k", "v"))
	logger.Warn("x")
	logger.Error(stderrors.New("e"), "x")
	logger.With(Str("k", "v")).Info("x")
}
