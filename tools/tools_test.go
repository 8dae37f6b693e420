package tools

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripNonPrintable(t *testing.T) {
	assert.Equal(t, "abc", StripNonPrintable("a\r\nb\x00c"))
	assert.Equal(t, "héllo", StripNonPrintable([]rune("hé\tllo")))
	assert.Equal(t, "file.txt", StripNonPrintable([]byte("file.txt\x1b")))
	assert.Equal(t, "", StripNonPrintable(""))
}

func TestIsPrintable(t *testing.T) {
	tests := map[string]bool{
		"":                   true,
		"/home/demo/a b.txt": true,
		"ünïcödé":            true,
		"a\r\nDELE /":        false,
		"tab\there":          false,
		"nul\x00":            false,
	}
	for in, want := range tests {
		assert.Equal(t, want, IsPrintable(in), "%q", in)
	}
}

func TestCountReader(t *testing.T) {
	r := NewCountReader(strings.NewReader("hello world"))
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, int64(11), r.Count())
}

func TestCountWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewCountWriter(&buf)
	_, err := io.Copy(w, strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Count())
	assert.Equal(t, "0123456789", buf.String())
}

func TestLogTransfer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogTransfer(logger, "upload", "/in\r\ncoming/a.txt", 2048, nil)
	assert.Contains(t, buf.String(), "Transfer complete")
	assert.Contains(t, buf.String(), "path=/incoming/a.txt")
	assert.Contains(t, buf.String(), `size="2.0 KiB"`)

	buf.Reset()
	LogTransfer(logger, "download", "/a.txt", 3, errors.New("connection reset"))
	assert.Contains(t, buf.String(), "Transfer interrupted")
	assert.Contains(t, buf.String(), `error="connection reset"`)

	LogTransfer(nil, "download", "/a.txt", 0, nil)
}
