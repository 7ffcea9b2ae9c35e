package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// LogOptions configures the process logger.
type LogOptions struct {
	Level  string
	Format string
	// File, when set, receives a copy of every record and is rotated daily.
	File    string
	MaxAge  time.Duration
	Writers []io.Writer
}

// SetupLogger builds the process-wide slog logger and installs it as the
// default. It returns the logger and a closer for the rotating file, if any.
func SetupLogger(opts LogOptions) (*slog.Logger, io.Closer, error) {
	writers := opts.Writers
	if len(writers) == 0 {
		writers = []io.Writer{os.Stdout}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		rl, err := rotatelogs.New(
			opts.File+".%Y%m%d",
			rotatelogs.WithLinkName(opts.File),
			rotatelogs.WithMaxAge(maxAge),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, rl)
		closer = rl
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	case "text", "console":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
