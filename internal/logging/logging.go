// Package logging builds the *log.Logger instances handed to components.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds log output settings.
type Config struct {
	// File is the log file path. Empty logs to stderr only.
	File string

	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept (default: 28)
	MaxAgeDays int

	// Verbose also writes to stderr when File is set.
	Verbose bool
}

// Output is an open log destination.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// New opens the log destination described by cfg.
func New(cfg Config) (*Output, error) {
	if cfg.File == "" {
		return &Output{w: os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 10),
		MaxBackups: orDefault(cfg.MaxBackups, 3),
		MaxAge:     orDefault(cfg.MaxAgeDays, 28),
	}

	var w io.Writer = file
	if cfg.Verbose {
		w = io.MultiWriter(file, os.Stderr)
	}
	return &Output{w: w, file: file}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger writing to o with the given prefix, e.g. "[queue] ".
func (o *Output) Logger(prefix string) *log.Logger {
	return log.New(o.w, prefix, log.LstdFlags)
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// WithPrefix derives a logger sharing base's writer and flags.
func WithPrefix(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
