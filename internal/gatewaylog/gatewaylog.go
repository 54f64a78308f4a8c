// Package gatewaylog provides a small leveled wrapper around the standard
// library logger, matching the plain-log, emoji-banner style the rest of
// this codebase uses for process lifecycle events.
package gatewaylog

import (
	"log"
	"os"
)

// Logger writes leveled lines through the standard library logger.
type Logger struct {
	base *log.Logger
	name string
}

// New creates a Logger that prefixes every line with name.
func New(name string) *Logger {
	return &Logger{
		base: log.New(os.Stdout, "", log.LstdFlags),
		name: name,
	}
}

func (l *Logger) logf(level, format string, args ...any) {
	l.base.Printf("[%s] %s "+format, append([]any{level, l.name}, args...)...)
}

// Info logs a normal operational event.
func (l *Logger) Info(format string, args ...any) {
	l.logf("INFO", format, args...)
}

// Warn logs a recoverable problem (e.g. heartbeat miss, lock-lost).
func (l *Logger) Warn(format string, args ...any) {
	l.logf("WARN", format, args...)
}

// Error logs an operation-ending failure that does not crash the process.
func (l *Logger) Error(format string, args ...any) {
	l.logf("ERROR", format, args...)
}

// Fatal logs and exits the process. Used for startup failures (Redis
// unreachable, malformed encryption key, a worker pool that fails to
// start) and for a DLQ consumer loop that exits with an error.
func (l *Logger) Fatal(format string, args ...any) {
	l.base.Fatalf("[FATAL] %s "+format, append([]any{l.name}, args...)...)
}
