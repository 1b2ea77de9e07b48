package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestTextLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewText(&buf, "warn").With("rank", 3)
	logger.Info("hidden")
	logger.Warn("shown", "phase", "aggregate")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
	require.Contains(t, out, "rank=3")
	require.Contains(t, out, "phase=aggregate")
}

func TestFormatKeyValues(t *testing.T) {
	require.Equal(t, "", formatKeyValues(nil))
	require.Equal(t, "a=1 b=<missing>", formatKeyValues([]any{"a", 1, "b"}))
}

func TestOrNop(t *testing.T) {
	require.Equal(t, NewNop(), OrNop(nil))
	l := NewTest(t)
	require.Same(t, l, OrNop(l))
}
