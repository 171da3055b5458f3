package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger = NoOpLogger{}
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = (*StructuredLogger)(nil)
)

func TestStructuredLogger_JSONAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("engine").
		WithExecution("exec-1").
		With("script", "order")

	l.Info("Step dispatched", "bot", "billing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Step dispatched", entry["msg"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "exec-1", entry["execution_id"])
	assert.Equal(t, "order", entry["script"])
	assert.Equal(t, "billing", entry["bot"])
}

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestStructuredLogger_DomainHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "text", Output: &buf})
	l.LogStep("bot_call", "main", 2, time.Millisecond, errors.New("boom"))
	l.LogLLMCall("gpt-4o-mini", 42, time.Second, nil)
	l.LogWaitResolution("e/approval_3", "approval", "timed_out")

	out := buf.String()
	assert.Contains(t, out, "Step failed")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "LLM call completed")
	assert.Contains(t, out, "token_count=42")
	assert.Contains(t, out, "resolution=timed_out")
}

func TestWithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "text", Output: &buf})
	_ = base.With("k", "v")
	base.Info("plain")
	assert.False(t, strings.Contains(buf.String(), "k=v"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestOrNoOpAndSlogAdapter(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))
	var buf bytes.Buffer
	l := NewSlogAdapter(slog.New(slog.NewTextHandler(&buf, nil)))
	assert.Same(t, l, OrNoOp(l).(*SlogAdapter))
	OrNoOp(l).Error("save exec-1", "error", errors.New("disk full"))
	assert.Contains(t, buf.String(), "save exec-1")
	assert.Contains(t, buf.String(), "disk full")
}
