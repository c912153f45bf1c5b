package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captured(buf *bytes.Buffer, level zerolog.Level) Logger {
	return fromZerolog(zerolog.New(buf).Level(level))
}

func decodeLines(t *testing.T, data string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() {
		l.Info("ignored", String("k", "v"))
		l.With(Int("n", 1)).Error("ignored")
	})
	assert.False(t, Nop().IsZero())
	assert.NotPanics(t, func() { Nop().Warn("ignored") })
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := captured(&buf, zerolog.DebugLevel).With(String("pool", "build"))
	started := time.Date(2024, time.May, 2, 10, 0, 0, 0, time.UTC)

	l.Debug("task.queued",
		String("task", "numpy"),
		Int("slot", 2),
		Uint64("seq", 3),
		Bool("gated", true),
		Duration("elapsed", 1500*time.Millisecond),
		Time("started", started),
		Err(errors.New("boom")),
		Err(nil))

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	e := lines[0]
	assert.Equal(t, "task.queued", e["message"])
	assert.Equal(t, "debug", e["level"])
	assert.Equal(t, "build", e["pool"])
	assert.Equal(t, "numpy", e["task"])
	assert.Equal(t, float64(2), e["slot"])
	assert.Equal(t, float64(3), e["seq"])
	assert.Equal(t, true, e["gated"])
	assert.Equal(t, "2024-05-02T10:00:00.000Z", e["started"])
	assert.Equal(t, "boom", e["err"])
	assert.Contains(t, e["caller"], "logging_test.go:")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := captured(&buf, zerolog.WarnLevel)

	l.Info("dropped")
	l.Warn("kept")

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := captured(&buf, zerolog.InfoLevel)
	_ = parent.With(String("child", "yes"))

	parent.Info("plain")
	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	_, ok := lines[0]["child"]
	assert.False(t, ok)
}

// ============================================================================
// Service
// ============================================================================

func readLog(t *testing.T, path string) string {
	t.Helper()
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(body)
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.log")
	svc, l := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})

	l.Info("drain.finished", Int("completed", 5))
	require.NoError(t, svc.Close())

	lines := decodeLines(t, readLog(t, path))
	require.Len(t, lines, 1)
	assert.Equal(t, "drain.finished", lines[0]["message"])
	assert.Equal(t, float64(5), lines[0]["completed"])
}

func TestServiceApplyRetargetsExistingLoggers(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, l := NewService(Config{Level: "error", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	child := l.With(String("component", "pool"))

	child.Info("hidden")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	child.Debug("visible")
	require.NoError(t, svc.Close())

	assert.Empty(t, strings.TrimSpace(readLog(t, first)))
	lines := decodeLines(t, readLog(t, second))
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["message"])
	assert.Equal(t, "pool", lines[0]["component"])
}

func TestServiceCloseSilencesLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.log")
	svc, l := NewService(Config{File: FileConfig{Enabled: true, Path: path}})

	require.NoError(t, svc.Close())
	assert.NotPanics(t, func() { l.Error("after close") })
	assert.NoError(t, svc.Close())
	assert.NotContains(t, readLog(t, path), "after close")
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "trace", "DEBUG", "info", "warn", "Warning", "error"} {
		assert.True(t, ValidLevel(lvl), lvl)
	}
	for _, lvl := range []string{"verbose", "fatal", "1"} {
		assert.False(t, ValidLevel(lvl), lvl)
	}

	lvl, ok := parseLevel(" WARNING ")
	assert.True(t, ok)
	assert.Equal(t, zerolog.WarnLevel, lvl)
	lvl, ok = parseLevel("nonsense")
	assert.False(t, ok)
	assert.Equal(t, zerolog.InfoLevel, lvl)
}
