package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestLogger returns a Logger that writes JSON into buf.
func newTestLogger(buf *bytes.Buffer, level slog.Level) *Logger {
	return New(buf, level, FormatJSON)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	line := strings.TrimSpace(strings.Split(buf.String(), "\n")[0])
	require.NoError(t, json.Unmarshal([]byte(line), &entry), "raw: %s", buf.String())
	return entry
}

func TestLogger_Module(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelDebug)
	l.Module("provider").Info("hello")

	entry := decodeLine(t, &buf)
	require.Equal(t, "provider", entry["module"])
	require.Equal(t, "hello", entry["msg"])
}

func TestLogger_ModuleChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelDebug)
	l.Module("mempool").With("sender", "0xabc").Info("added")

	entry := decodeLine(t, &buf)
	require.Equal(t, "mempool", entry["module"])
	require.Equal(t, "0xabc", entry["sender"])
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level  slog.Level
		logFn  func(l *Logger)
		expect bool
	}{
		{slog.LevelInfo, func(l *Logger) { l.Debug("nope") }, false},
		{slog.LevelInfo, func(l *Logger) { l.Info("yes") }, true},
		{slog.LevelInfo, func(l *Logger) { l.Warn("yes") }, true},
		{slog.LevelWarn, func(l *Logger) { l.Info("nope") }, false},
		{slog.LevelDebug, func(l *Logger) { l.Trace("nope") }, false},
		{LevelTrace, func(l *Logger) { l.Trace("yes") }, true},
	}
	for i, tt := range tests {
		var buf bytes.Buffer
		tt.logFn(newTestLogger(&buf, tt.level))
		require.Equal(t, tt.expect, buf.Len() > 0, "case %d", i)
	}
}

func TestPackageModuleFollowsDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	mod := Module("builder")

	var buf bytes.Buffer
	SetDefault(newTestLogger(&buf, slog.LevelInfo))
	mod.Info("sealed", "number", 7)

	entry := decodeLine(t, &buf)
	require.Equal(t, "builder", entry["module"])
	require.EqualValues(t, 7, entry["number"])
}

func TestPackageModuleKeepsGroupOrder(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	mod := Module("rpc").With("before", 1).WithGroup("req").With("id", 2)

	var buf bytes.Buffer
	SetDefault(newTestLogger(&buf, slog.LevelInfo))
	mod.Info("handled", "method", "eth_call")

	entry := decodeLine(t, &buf)
	require.EqualValues(t, 1, entry["before"])
	require.NotContains(t, entry, "id")
	req, ok := entry["req"].(map[string]any)
	require.True(t, ok, "raw: %s", buf.String())
	require.EqualValues(t, 2, req["id"])
	require.Equal(t, "eth_call", req["method"])
}

func TestSetDefaultNil(t *testing.T) {
	prev := Default()
	SetDefault(nil)
	require.Same(t, prev, Default())
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		require.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestSetupVerbosity(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	l, err := Setup(&buf, Config{Level: "info", Format: FormatJSON, Verbosity: 2})
	require.NoError(t, err)
	l.Info("hidden")
	require.Zero(t, buf.Len())
	l.Warn("shown")
	require.Contains(t, buf.String(), "shown")

	_, err = Setup(&buf, Config{Format: "xml", Verbosity: -1})
	require.Error(t, err)
}
