package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message should be filtered at WARN level")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message should be filtered at WARN level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message should pass at WARN level")
	}
	if !strings.Contains(out, "error message") {
		t.Error("error message should pass at WARN level")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&buf, "INFO", "text", false)

	Info("dispatch complete", "flow", "encuesta", "version", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["msg"] != "dispatch complete" {
		t.Errorf("expected msg field, got %v", record["msg"])
	}
	if record["flow"] != "encuesta" {
		t.Errorf("expected flow field, got %v", record["flow"])
	}
}

func TestContextFieldInjection(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	lc := NewLogContext("corr-123").WithIdentity("+5215512345678").WithMessage("wamid.x1", "text")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "message claimed")

	out := buf.String()
	for _, want := range []string{"correlation_id=corr-123", "identity=+5215512345678", "message_id=wamid.x1", "event_type=text"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
}

func TestContextNilSafe(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	InfoCtx(context.Background(), "no log context")

	if !strings.Contains(buf.String(), "no log context") {
		t.Error("logging without LogContext should still emit the record")
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	SetLevel("VERBOSE")

	Info("still info")
	if !strings.Contains(buf.String(), "still info") {
		t.Error("invalid level should be ignored, INFO should remain active")
	}
}
