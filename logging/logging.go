// Description: logging package
// Builds the slog logger from the logging configuration:
// colored text through tint for humans, JSON for log collectors.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options mirrors the logging section of the configuration
type Options struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text or json
	Output string // stdout, stderr or a file path
}

// ParseLevel maps a level name to its slog level, unknown names are INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New returns the logger and a closer for the output file, if one was opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
		color  bool
	)
	switch opts.Output {
	case "", "stdout":
		w, color = os.Stdout, true
	case "stderr":
		w, color = os.Stderr, true
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}
	return NewWithWriter(w, opts.Format, ParseLevel(opts.Level), color), closer, nil
}

// NewWithWriter builds the logger on w. Source locations are added at debug level.
func NewWithWriter(w io.Writer, format string, level slog.Level, color bool) *slog.Logger {
	addSource := level <= slog.LevelDebug

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     level,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			AddSource:  addSource,
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !color,
		})
	}
	return slog.New(handler).With("app", "ftpweb")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
