package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, lvl, format string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	InitWithWriter(buf, lvl, format, false)
	t.Cleanup(func() { InitWithWriter(new(bytes.Buffer), "INFO", "text", false) })
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "WARN", "text")

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "[WARN] warn message")
	assert.Contains(t, out, "[ERROR] error message")
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	buf := capture(t, "ERROR", "text")
	SetLevel("chatty")

	Warn("hidden")
	assert.Empty(t, buf.String())
}

func TestTextAttributes(t *testing.T) {
	buf := capture(t, "DEBUG", "text")

	With(KeyPhase, "BuildReach").Info("GC: mark done", KeyMarked, 42, Err(errors.New("boom")))

	line := buf.String()
	assert.Contains(t, line, "GC: mark done")
	assert.Contains(t, line, "phase=BuildReach")
	assert.Contains(t, line, "marked=42")
	assert.Contains(t, line, "error=boom")
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "INFO", "json")

	Info("sweep: batch committed", KeyBatch, 3, KeyDeleted, 10)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "sweep: batch committed", rec["msg"])
	assert.EqualValues(t, 3, rec[KeyBatch])
	assert.EqualValues(t, 10, rec[KeyDeleted])
}

func TestContextFields(t *testing.T) {
	buf := capture(t, "DEBUG", "text")

	ctx := WithPhase(WithComponent(context.Background(), "sweeper"), "SweepExpired", 7)
	InfoCtx(ctx, "resuming")
	DebugCtx(context.Background(), "plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=sweeper")
	assert.Contains(t, lines[0], "phase=SweepExpired")
	assert.Contains(t, lines[0], "cycle=7")
	assert.NotContains(t, lines[1], "component=")
}

func TestWithComponentDoesNotMutateParent(t *testing.T) {
	parent := WithComponent(context.Background(), "marker")
	child := WithComponent(parent, "export")

	assert.Equal(t, "marker", FromContext(parent).Component)
	assert.Equal(t, "export", FromContext(child).Component)
	assert.Nil(t, FromContext(context.Background()))
}
