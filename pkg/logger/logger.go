package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log Levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	base         = newLogger(os.Stdout)
	callback     func(string)
)

func newLogger(out io.Writer) zerolog.Logger {
	w := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339Nano,
		NoColor:    true,
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel sets the global log level.
func SetLevel(level int) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// ParseLevel maps a level name from configuration to a level constant.
func ParseLevel(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", name)
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newLogger(w)
}

// SetOutputCallback registers fn to receive every formatted message that
// passes the level filter, in addition to the normal output. nil removes it.
func SetOutputCallback(fn func(string)) {
	mu.Lock()
	defer mu.Unlock()
	callback = fn
}

func emit(level int, format string, v []interface{}) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}
	l := base
	cb := callback
	mu.RUnlock()

	msg := fmt.Sprintf(format, v...)
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.Debug()
	case LevelInfo:
		ev = l.Info()
	case LevelWarn:
		ev = l.Warn()
	default:
		ev = l.Error()
	}
	ev.Msg(msg)

	if cb != nil {
		cb(msg)
	}
}

// Debug logs debug messages.
func Debug(format string, v ...interface{}) {
	emit(LevelDebug, format, v)
}

// Info logs info messages.
func Info(format string, v ...interface{}) {
	emit(LevelInfo, format, v)
}

// Warn logs warnings.
func Warn(format string, v ...interface{}) {
	emit(LevelWarn, format, v)
}

// Error logs error messages.
func Error(format string, v ...interface{}) {
	emit(LevelError, format, v)
}
