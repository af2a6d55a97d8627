package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davery92/sara-jarvis/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), "level %q", name)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Warn("agent offline", "agent_id", "agent_x")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "agent offline", rec["msg"])
	assert.Equal(t, "agent_x", rec["agent_id"])
}

func TestNew_TextFormatFiltersByLevel(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.With("component", "monitor").Warn("device inactive", "device_id", "kb1")
	out := buf.String()
	assert.Contains(t, out, "WRN device inactive")
	assert.Contains(t, out, "component=monitor")
	assert.Contains(t, out, "device_id=kb1")
}

func TestNew_TextFormatGroupsPrefixKeys(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "debug"}, &buf)

	logger.WithGroup("bus").Debug("connected", "broker", "tcp://localhost:1883")
	assert.Contains(t, buf.String(), "bus.broker=tcp://localhost:1883")
}
