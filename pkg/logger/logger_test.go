package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grahams11/finguru/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *config.Config
		wantLevel zerolog.Level
	}{
		{"debug level", &config.Config{Env: "development", LogLevel: "debug", LogFormat: "json"}, zerolog.DebugLevel},
		{"info level", &config.Config{Env: "production", LogLevel: "info", LogFormat: "json"}, zerolog.InfoLevel},
		{"warn level", &config.Config{Env: "staging", LogLevel: "warn", LogFormat: "console"}, zerolog.WarnLevel},
		{"error level", &config.Config{Env: "production", LogLevel: "error", LogFormat: "pretty"}, zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(tt.cfg)
			require.NotNil(t, log)
			assert.Equal(t, tt.wantLevel, log.Level())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // Default
		{"", zerolog.InfoLevel},        // Default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.input))
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output: %s", buf.String())
	return entry
}

func TestLoggerMethods(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	tests := []struct {
		name      string
		logFunc   func()
		wantMsg   string
		wantLevel string
	}{
		{"debug", func() { log.Debug("debug message") }, "debug message", "debug"},
		{"info", func() { log.Info("info message") }, "info message", "info"},
		{"warn", func() { log.Warn("warn message") }, "warn message", "warn"},
		{"error", func() { log.Error("error message") }, "error message", "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			entry := decodeLine(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.wantMsg, entry["message"])
		})
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.Symbol("AAPL").WithFields(map[string]interface{}{
		"strike": 150.0,
		"type":   "call",
	}).Info("contract gated")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "AAPL", entry["symbol"])
	assert.Equal(t, 150.0, entry["strike"])
	assert.Equal(t, "call", entry["type"])
	assert.Equal(t, "contract gated", entry["message"])
}

func TestDomainFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf).Component("scanner").Provider("polygon").Symbol("SPY")

	log.Debug("chain fetched")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "scanner", entry["component"])
	assert.Equal(t, "polygon", entry["provider"])
	assert.Equal(t, "SPY", entry["symbol"])
	assert.Equal(t, "debug", entry["level"])
}

func TestLevelIsPerLogger(t *testing.T) {
	quiet := New(&config.Config{LogLevel: "error", LogFormat: "json"})
	loud := New(&config.Config{LogLevel: "debug", LogFormat: "json"})

	assert.Equal(t, zerolog.ErrorLevel, quiet.Level())
	assert.Equal(t, zerolog.DebugLevel, loud.Level())
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.WithError(errors.New("chain snapshot failed")).Error("symbol skipped")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "chain snapshot failed", entry["error"])
	assert.Equal(t, "symbol skipped", entry["message"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finguru.log")
	cfg := &config.Config{
		Env:       "test",
		LogLevel:  "info",
		LogFormat: "json",
		LogFile:   config.LogFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
	}

	log := New(cfg)
	log.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().WithField("k", "v").Info("discarded")
	})
}
