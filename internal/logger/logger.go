// Package logger builds the server's slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// New returns a text logger writing to out and, when file is set, appending
// to file. The level can be changed later through the returned LevelVar.
// The closer releases the log file and is never nil.
func New(out io.Writer, level, file string) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	lv := new(slog.LevelVar)
	l, _ := ParseLevel(level)
	lv.Set(l)

	writers := []io.Writer{out}
	var closer io.Closer = nopCloser{}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, err
		}
		writers = append(writers, f)
		closer = f
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})
	return slog.New(handler), lv, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
