// Package logging provides the named, levelled loggers used across celerix-cms.
//
// Output format is "LEVEL | component | message", written through the standard
// log package so that timestamps and output redirection behave like the rest of
// the daemon's output.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a logging threshold. Higher values are more verbose.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", s)
	}
}

var (
	level  atomic.Int32
	output atomic.Pointer[log.Logger]
)

func init() {
	level.Store(int32(LevelInfo))
	output.Store(log.New(os.Stdout, "", log.Ldate|log.Ltime))
}

// SetLevel changes the threshold for every logger.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// SetOutput redirects every logger. Tests use it to silence or capture output.
func SetOutput(w io.Writer) {
	output.Store(log.New(w, "", log.Ldate|log.Ltime))
}

// Logger writes messages tagged with a component name.
type Logger struct {
	name string
}

// New returns a logger for the named component.
func New(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *Logger) log(lvl Level, format string, args ...any) {
	if Level(level.Load()) < lvl {
		return
	}
	output.Load().Printf("%-5s | %-15s | %s", lvl, l.name, fmt.Sprintf(format, args...))
}
