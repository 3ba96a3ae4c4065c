package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "info", Format: "json", Output: buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("step done", zap.String("release_id", "2024_012"), zap.String("step", "init"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "step done", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "2024_012", entry["release_id"])
	assert.Contains(t, entry, "ts")
}

func TestNew_Console(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "debug", Format: "console", Output: buf})
	require.NoError(t, err)

	logger.Debug("polling", zap.Int("pull_request", 7))

	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "polling")
	assert.Contains(t, buf.String(), `"pull_request": 7`)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewObserved(t *testing.T) {
	logger, logs := NewObserved()
	logger.Debug("one")
	logger.Warn("two", zap.String("branch", "23.11"))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "23.11", logs.FilterMessage("two").All()[0].ContextMap()["branch"])
}
