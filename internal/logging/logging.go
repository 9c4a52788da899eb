// Package logging builds the service logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/RackSec/srslog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/biocatchltd/heksher/internal/config"
)

// New creates a slog.Logger according to cfg, writing to stdout plus any
// configured file and syslog sinks. The returned closer shuts down the
// extra sinks and is never nil.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	return build(cfg, os.Stdout)
}

func build(cfg config.LoggingConfig, base io.Writer) (*slog.Logger, io.Closer, error) {
	writers := []io.Writer{base}
	var closers multiCloser

	if cfg.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		writers = append(writers, rotator)
		closers = append(closers, rotator)
	}

	if cfg.Syslog.Enabled {
		syslogWriter, err := srslog.Dial(cfg.Syslog.Network, cfg.Syslog.Address, srslog.LOG_INFO|srslog.LOG_DAEMON, cfg.Syslog.Tag)
		if err != nil {
			closers.Close()
			return nil, nil, fmt.Errorf("failed to dial syslog: %w", err)
		}
		syslogWriter.SetFormatter(srslog.RFC3164Formatter)
		writers = append(writers, syslogWriter)
		closers = append(closers, syslogWriter)
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closers, nil
}

// parseLevel maps a configured level name to a slog.Level. Unknown names
// fall back to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiCloser closes every sink, keeping the first error.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
