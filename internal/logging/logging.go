// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/rcliao/agent-tape/internal/model"
)

// Options selects where and how much to log.
type Options struct {
	// Level is debug, info, warn or error. Empty means warn.
	Level string
	// Format of the terminal handler: text or json. Empty means text.
	Format string
	// File, when set, also receives every record as JSON.
	File string
	// Writer is the terminal destination. Defaults to stderr.
	Writer io.Writer
}

// Logger is a configured logger plus its adjustable level.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar
	file  *os.File
}

// New builds a logger fanning out to the terminal and, optionally, a file.
func New(opts Options) (*Logger, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	if opts.Level != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("%w: log level %q", model.ErrConfiguration, opts.Level)
		}
		level.Set(l)
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handlers = append(handlers, slog.NewTextHandler(w, hopts))
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(w, hopts))
	default:
		return nil, fmt.Errorf("%w: log format %q (valid: text, json)", model.ErrConfiguration, opts.Format)
	}

	out := &Logger{Level: level}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, hopts))
	}

	out.Logger = slog.New(slogmulti.Fanout(handlers...))
	return out, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
