package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDefaultLoggerPrefixAndLevel verifies the component prefix and level filtering.
func TestDefaultLoggerPrefixAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "node", slog.LevelInfo)

	log.Debug("hidden")
	log.Info("visible", "shard", "shard-00000001")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[node] visible")
	assert.Contains(t, out, "shard=shard-00000001")
}

// TestWithDefaultArgs verifies context-carried attributes are appended.
func TestWithDefaultArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "", slog.LevelDebug)

	ctx := WithDefaultArgs(context.Background(), "call", "abc")
	ctx = WithDefaultArgs(ctx, "table", "t1")
	log.WarnCtx(ctx, "aborted")

	out := buf.String()
	assert.Contains(t, out, "call=abc")
	assert.Contains(t, out, "table=t1")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
