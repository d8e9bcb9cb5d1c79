// Package csvlog writes experiment data to append-only files, one record per line,
// and lays those files out per participant, condition, block and trial.
package csvlog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotOpen is returned by writes issued before Open or after Close.
var ErrNotOpen = errors.New("csv logger: no file open")

// Logger appends lines to a single file. Every line is flushed before the call
// returns. A Logger expects a single writer; callers serialize their own writes.
type Logger struct {
	logger *logrus.Logger

	path string
	file *os.File
	w    *bufio.Writer
	now  func() time.Time
}

// NewLogger creates a closed logger.
func NewLogger(logger *logrus.Logger) *Logger {
	if logger == nil {
		logger = logrus.New()
	}
	return &Logger{logger: logger, now: time.Now}
}

// Open starts appending to path, creating it and its parent directories when missing.
// Opening again replaces the current file; the old one is closed, not merged.
func (l *Logger) Open(path string) error {
	if path == "" {
		return fmt.Errorf("csv logger: empty path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("csv logger: failed to create %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("csv logger: failed to open %s: %w", path, err)
	}

	if l.file != nil {
		if cerr := l.closeCurrent(); cerr != nil {
			l.logger.WithError(cerr).WithField("path", l.path).Warn("Failed to close previous CSV file")
		}
	}

	l.path = path
	l.file = f
	l.w = bufio.NewWriter(f)
	l.logger.WithField("path", path).Info("CSV logging to file")
	return nil
}

// Path returns the file currently open, or "".
func (l *Logger) Path() string {
	return l.path
}

// IsOpen reports whether a file is open.
func (l *Logger) IsOpen() bool {
	return l.file != nil
}

// AppendLine writes text followed by a newline and flushes it.
func (l *Logger) AppendLine(text string) error {
	if l.file == nil {
		return ErrNotOpen
	}
	if _, err := l.w.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("csv logger: write %s: %w", l.path, err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("csv logger: flush %s: %w", l.path, err)
	}
	return nil
}

// AppendRecord writes fields as one CSV record prefixed by an RFC 3339 timestamp.
func (l *Logger) AppendRecord(fields ...string) error {
	if l.file == nil {
		return ErrNotOpen
	}
	record := make([]string, 0, len(fields)+1)
	record = append(record, l.now().UTC().Format(time.RFC3339Nano))
	record = append(record, fields...)

	cw := csv.NewWriter(l.w)
	if err := cw.Write(record); err != nil {
		return fmt.Errorf("csv logger: write %s: %w", l.path, err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv logger: write %s: %w", l.path, err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("csv logger: flush %s: %w", l.path, err)
	}
	return nil
}

// Close flushes and closes the current file. Closing a closed logger is a no-op.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.closeCurrent()
	l.path = ""
	return err
}

func (l *Logger) closeCurrent() error {
	flushErr := l.w.Flush()
	closeErr := l.file.Close()
	l.file = nil
	l.w = nil
	return errors.Join(flushErr, closeErr)
}
