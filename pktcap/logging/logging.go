package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-appsec/netcap-toolbox/pktcap/config"
)

// Options supplies the destinations a Logger may write to.
type Options struct {
	// Console receives human readable output; defaults to stderr.
	Console io.Writer
	// File is the rotating log path used when the file writer is enabled.
	File string
}

// Logger bundles the root logger with the resources backing it.
type Logger struct {
	zerolog.Logger
	closers []io.Closer
}

// New builds the root logger from the log section of the configuration.
func New(cfg config.LogConfig, opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	l := &Logger{}
	var writers []io.Writer
	for _, name := range cfg.Writers {
		switch name {
		case config.WriterConsole:
			out := opts.Console
			if out == nil {
				out = os.Stderr
			}
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: time.TimeOnly,
				NoColor:    cfg.NoColor,
			})
		case config.WriterFile:
			if opts.File == "" {
				return nil, errors.New("file writer requires a log file path")
			} else if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
			rotator := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			writers = append(writers, rotator)
			l.closers = append(l.closers, rotator)
		default:
			return nil, fmt.Errorf("unknown log writer %q", name)
		}
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}
	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Close releases file writers.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	l.closers = nil
	return errors.Join(errs...)
}
