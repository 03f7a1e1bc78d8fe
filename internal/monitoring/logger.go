// Package monitoring holds the process-wide diagnostic logger and the sink
// that renders engine events through it.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// may be replaced with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger writes through Logf with a "[component] " prefix. The zero value
// logs without a prefix.
type Logger struct {
	prefix string
}

// NewLogger returns a Logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{prefix: "[" + component + "] "}
}

// Printf logs one line. Logf is looked up on every call, so SetLogger
// applies to loggers created before it.
func (l *Logger) Printf(format string, v ...interface{}) {
	Logf(l.prefix+format, v...)
}
