// Package logging builds the component loggers.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File is the log file path; empty logs to stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Factory hands out prefixed loggers sharing one writer.
type Factory struct {
	out    io.Writer
	closer io.Closer
}

// New creates a factory. With a file configured, output goes through a
// rotating lumberjack writer.
func New(opts Options) (*Factory, error) {
	if opts.File == "" {
		return &Factory{out: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
		return nil, err
	}
	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Factory{out: w, closer: w}, nil
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Logger returns a logger for component, prefixed "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Close releases the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
