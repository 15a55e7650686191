// Package logging builds the component loggers used across ledger.
//
// Every component gets a stdlib *log.Logger with a "[component] " prefix.
// Output goes to stderr and, when a log file is configured, to a
// size-rotated file as well.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output
type Options struct {
	// File is the rotated log file; empty logs to stderr only
	File string

	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept
	MaxBackups int

	// MaxAgeDays is the age after which rotated files are removed
	MaxAgeDays int

	// Quiet suppresses stderr output (file output is kept)
	Quiet bool

	// Stderr overrides the console writer (default: os.Stderr)
	Stderr io.Writer
}

// Logging hands out component loggers sharing one output
type Logging struct {
	out    io.Writer
	closer io.Closer
}

// New creates the shared output described by opts
func New(opts Options) (*Logging, error) {
	console := opts.Stderr
	if console == nil {
		console = os.Stderr
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, console)
	}

	l := &Logging{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, rotator)
		l.closer = rotator
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Discard returns a Logging that drops everything
func Discard() *Logging {
	return &Logging{out: io.Discard}
}

// Logger returns a logger prefixed with "[component] "
func (l *Logging) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any
func (l *Logging) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
