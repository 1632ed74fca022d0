// Package klog gives every subsystem a leveled *log.Logger created once at
// init time and kept as a package variable, the same shape as biscuit's
// per-package diagnostic fmt.Printf calls generalized to a logger a larger
// module surface can share.
package klog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which severities reach the sink.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var threshold atomic.Int32

func init() {
	threshold.Store(int32(LevelInfo))
}

// SetLevel changes the global minimum severity that is emitted.
func SetLevel(l Level) { threshold.Store(int32(l)) }

// Logger is a named, leveled logger for one subsystem (e.g. "mem", "sched").
type Logger struct {
	name string
	std  *log.Logger
}

// New creates a subsystem logger writing to stderr with the subsystem name
// as a prefix, mirroring biscuit's early boot diagnostics which are also
// unbuffered and always-on.
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds),
	}
}

func (l *Logger) emit(lvl Level, tag string, format string, args ...any) {
	if Level(threshold.Load()) > lvl {
		return
	}
	l.std.Printf("[%s] %s: %s", tag, l.name, fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, args ...any) { l.emit(LevelDebug, "DBG", format, args...) }

// Infof logs an info-level message.
func (l *Logger) Infof(format string, args ...any) { l.emit(LevelInfo, "INF", format, args...) }

// Warnf logs a warn-level message.
func (l *Logger) Warnf(format string, args ...any) { l.emit(LevelWarn, "WRN", format, args...) }

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, args ...any) { l.emit(LevelError, "ERR", format, args...) }
