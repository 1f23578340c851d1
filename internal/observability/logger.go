// Package observability holds the process-wide loggers and the scheduler
// observers that turn run results into log lines and metrics.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs; the daemon replaces it with its service logger.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for interactive use: human readable
// console output on stderr, debug level when verbose.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(service)
}

// LogOptions configures the daemon logger.
type LogOptions struct {
	// Level is debug, info, warn or error.
	Level string

	// Format is "json" or "console".
	Format string

	// File, when set, receives a copy of every entry and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewServiceLogger builds the daemon logger. Entries go to stderr and, with
// File set, to a size and age rotated file. The returned closer releases
// the file.
func NewServiceLogger(service string, opts LogOptions) (*zap.Logger, io.Closer, error) {
	return newServiceLogger(service, opts, zapcore.Lock(os.Stderr))
}

func newServiceLogger(service string, opts LogOptions, stderr zapcore.WriteSyncer) (*zap.Logger, io.Closer, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, stderr, level)}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		// The file always gets JSON so it stays machine readable.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
		closer = rotator
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(service)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
