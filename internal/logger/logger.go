package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger provides leveled logging (info/warning/error) to the console and an optional file.
type Logger struct {
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	file       *os.File
	mu         sync.Mutex
}

// New creates a Logger writing info and warnings to out and errors to errOut.
// When path is non-empty every entry is also appended to that file.
func New(out, errOut io.Writer, path string) (*Logger, error) {
	l := &Logger{}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		l.file = file
		out = io.MultiWriter(out, file)
		errOut = io.MultiWriter(errOut, file)
	}

	l.infoLog = log.New(out, "ℹ️  INFO    ", log.Ldate|log.Ltime)
	l.warningLog = log.New(out, "⚠️  WARNING ", log.Ldate|log.Ltime)
	l.errorLog = log.New(errOut, "❌ ERROR   ", log.Ldate|log.Ltime)
	return l, nil
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard() *Logger {
	l, _ := New(io.Discard, io.Discard, "")
	return l
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Printf(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Printf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Printf(format, v...)
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
