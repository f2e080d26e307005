// Package logging provides the leveled, package-level logger used across martbuild.
// Text output goes through tint; JSON output uses slog's JSON handler with
// the ts/level/msg field names expected by log shippers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a level name. Matching is case-insensitive but
// surrounding whitespace is rejected.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
}

var (
	mu      sync.RWMutex
	level   = LevelInfo
	format  = "text"
	output  io.Writer
	lvlVar  = new(slog.LevelVar)
	current *slog.Logger
)

func init() {
	rebuild()
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	lvlVar.Set(l.slogLevel())
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsDebug reports whether debug output is enabled.
func IsDebug() bool {
	return GetLevel() == LevelDebug
}

// SetFormat switches between "text" and "json" output. Unknown formats fall back to text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if strings.EqualFold(f, "json") {
		format = "json"
	} else {
		format = "text"
	}
	rebuild()
}

// SetOutput redirects log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// Logger returns the underlying structured logger, for components that
// take a *slog.Logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// rebuild must be called with mu held (or from init).
func rebuild() {
	w := output
	if w == nil {
		w = os.Stderr
	}
	lvlVar.Set(level.slogLevel())

	if format == "json" {
		current = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lvlVar,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) > 0 {
					return a
				}
				switch a.Key {
				case slog.TimeKey:
					return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339Nano))
				case slog.LevelKey:
					if lvl, ok := a.Value.Any().(slog.Level); ok {
						return slog.String(slog.LevelKey, strings.ToLower(lvl.String()))
					}
				}
				return a
			},
		}))
		return
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	current = slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvlVar,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// the level tag is already part of the message
			if len(groups) == 0 && a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func logf(l Level, msg string, args ...interface{}) {
	mu.RLock()
	lg := current
	f := format
	mu.RUnlock()

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if f == "text" {
		msg = "[" + l.String() + "] " + msg
	}
	lg.Log(context.Background(), l.slogLevel(), msg)
}

// Debug logs at debug level.
func Debug(msg string, args ...interface{}) { logf(LevelDebug, msg, args...) }

// Info logs at info level.
func Info(msg string, args ...interface{}) { logf(LevelInfo, msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...interface{}) { logf(LevelWarn, msg, args...) }

// Error logs at error level.
func Error(msg string, args ...interface{}) { logf(LevelError, msg, args...) }
