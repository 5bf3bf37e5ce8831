// Package utils provides logging and small shared helpers.
package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// Level identifies the severity of a log entry.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

// Entry is a single recorded log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

const maxHistory = 1000

// Logger is a leveled console logger with an in-memory history ring.
// It is safe for concurrent use and is passed explicitly to the
// components that log.
type Logger struct {
	mu      sync.Mutex
	debug   bool
	history []Entry
}

// NewLogger creates a Logger. Debug output is suppressed unless debug
// is true.
func NewLogger(debug bool) *Logger {
	return &Logger{debug: debug}
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide default logger, created lazily with
// debug disabled. Components should accept a *Logger instead of calling
// this; it exists for main and for tests that don't care.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = NewLogger(false)
	})
	return defaultLogger
}

// SetDebug toggles debug output.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// IsDebug reports whether debug output is enabled.
func (l *Logger) IsDebug() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

// History returns a copy of the recorded entries, oldest first.
func (l *Logger) History() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Logger) log(level Level, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now()

	l.mu.Lock()
	l.history = append(l.history, Entry{Time: ts, Level: level, Message: msg})
	if len(l.history) > maxHistory {
		l.history = l.history[len(l.history)-maxHistory:]
	}
	l.mu.Unlock()

	fmt.Fprintf(os.Stderr, "%s[%s]%s %s%s%s\n",
		colorGray, ts.Format("15:04:05"), colorReset, color, msg, colorReset)
}

// Debug logs a debug-level message when debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.IsDebug() {
		return
	}
	l.log(LevelDebug, colorGray, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, colorCyan, format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.log(LevelSuccess, colorGreen, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, colorYellow, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, colorRed, format, args...)
}
