package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.level.String())
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{LogLevel(999), slog.LevelInfo}, // Default for unknown
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.level.SlogLevel())
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestInitForCLI(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Info("test-subsystem", "hello %s", "world")
	Debug("test-subsystem", "hidden")

	output := buf.String()
	assert.Contains(t, output, "hello world")
	assert.Contains(t, output, "subsystem=test-subsystem")
	assert.NotContains(t, output, "hidden")
}

func TestErrorIncludesCause(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)

	Error("Certs", errors.New("exit status 1"), "request failed")
	assert.Contains(t, buf.String(), "exit status 1")
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, FormatJSON, &buf)

	Warn("EnvFile", "blocked %s", "DNS_SERVER")
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"))
	assert.Contains(t, line, `"subsystem":"EnvFile"`)
}

func TestOutput(t *testing.T) {
	var buf bytes.Buffer
	SetResultOutput(&buf)
	defer SetResultOutput(&bytes.Buffer{})

	Output("webui_password", "s3cret")
	assert.Equal(t, "OUTPUT webui_password=s3cret\n", buf.String())
}
