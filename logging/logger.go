// Package logging builds the logrus logger used by squirrelstore and its
// binaries: JSON output to stdout or to a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level and destination.
type Config struct {
	// Level is a logrus level name ("debug", "info", ...). Empty means info.
	Level string
	// File, when set, sends output to a rotating file instead of stdout.
	File string
	// MaxSizeMB is the size at which the file is rotated. Default 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Default 10.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// New builds a JSON logger. If the log file cannot be prepared the logger
// falls back to stdout and says so; only an unparsable level is an error.
func New(cfg Config) (*logrus.Logger, error) {
	lvl := cfg.Level
	if lvl == "" {
		lvl = "info"
	}
	level, err := logrus.ParseLevel(lvl)
	if err != nil {
		return nil, fmt.Errorf("logging: parse level: %w", err)
	}

	output, outErr := buildOutput(cfg)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.File,
		}).Warn(outErr.Error())
	}
	return logger, nil
}

// buildOutput returns the configured writer, or stdout plus the reason the
// file could not be used.
func buildOutput(cfg Config) (io.Writer, error) {
	if cfg.File == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("create log directory: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	backups := cfg.MaxBackups
	if backups <= 0 {
		backups = 10
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
