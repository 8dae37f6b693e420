package tools

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// CountReader counts the bytes read through it
type CountReader struct {
	Reader io.Reader
	n      atomic.Int64
}

func NewCountReader(r io.Reader) *CountReader {
	return &CountReader{Reader: r}
}

func (r *CountReader) Read(b []byte) (int, error) {
	n, err := r.Reader.Read(b)
	r.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes read so far
func (r *CountReader) Count() int64 {
	return r.n.Load()
}

// CountWriter counts the bytes written through it
type CountWriter struct {
	Writer io.Writer
	n      atomic.Int64
}

func NewCountWriter(w io.Writer) *CountWriter {
	return &CountWriter{Writer: w}
}

func (w *CountWriter) Write(b []byte) (int, error) {
	n, err := w.Writer.Write(b)
	w.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes written so far
func (w *CountWriter) Count() int64 {
	return w.n.Load()
}

// LogTransfer writes a debug line describing a finished transfer
func LogTransfer(logger *slog.Logger, direction, path string, n int64, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		"direction", direction,
		"path", StripNonPrintable(path),
		"bytes", n,
		"size", humanize.IBytes(uint64(max(n, 0))),
	}
	if err != nil {
		logger.Debug("Transfer interrupted", append(attrs, "error", err)...)
		return
	}
	logger.Debug("Transfer complete", attrs...)
}
