package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"LOUD":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "json", slog.LevelInfo, false)

	logger.Debug("hidden")
	logger.With("module", "proxy").Info("Session opened", "session", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Session opened", line["msg"])
	assert.Equal(t, "ftpweb", line["app"])
	assert.Equal(t, "proxy", line["module"])
	assert.Equal(t, "abc", line["session"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "text", slog.LevelWarn, false)

	logger.Info("hidden")
	logger.Warn("Connection lost", "endpoint", "ftp://example.com:21")

	out := buf.String()
	assert.Contains(t, out, "Connection lost")
	assert.Contains(t, out, "endpoint=ftp://example.com:21")
	assert.NotContains(t, out, "hidden")
	assert.NotContains(t, out, "\x1b[", "no color codes when color is off")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpweb.log")
	logger, closer, err := New(Options{Level: "INFO", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestNew_BadFile(t *testing.T) {
	_, _, err := New(Options{Output: filepath.Join(t.TempDir(), "missing", "dir", "ftpweb.log")})
	assert.Error(t, err)
}
