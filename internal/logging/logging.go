package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

func (l Level) String() string { return levelNames[l] }

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel maps a config or env string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Format selects the line encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

type Logger struct {
	mu    sync.Mutex
	zl    zerolog.Logger
	level Level
	base  map[string]interface{}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.LevelFieldName = "lvl"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

func Init(w io.Writer, lvl Level, baseFields map[string]interface{}) {
	InitFormat(w, lvl, FormatJSON, baseFields)
}

// InitFormat is Init with an explicit output format.
func InitFormat(w io.Writer, lvl Level, format Format, baseFields map[string]interface{}) {
	if w == nil {
		w = os.Stderr
	}
	if format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(lvl.zerolog()).With().Timestamp().Logger()
	defaultMu.Lock()
	defaultLogger = &Logger{
		zl:    zl,
		level: lvl,
		base:  copyMap(baseFields),
	}
	defaultMu.Unlock()
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	nm := make(map[string]interface{}, len(m))
	for k, v := range m {
		nm[k] = v
	}
	return nm
}

func current() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l == nil {
		Init(nil, LevelInfo, nil)
		defaultMu.RLock()
		l = defaultLogger
		defaultMu.RUnlock()
	}
	return l
}

// WithFields returns a logger that merges fields into every entry.
func WithFields(fields map[string]interface{}) *Logger {
	return current().WithFields(fields)
}

// WithFields derives a child logger carrying the parent's fields plus fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		zl:    l.zl,
		level: l.level,
		base:  copyMap(l.base),
	}
	if fields != nil {
		if child.base == nil {
			child.base = make(map[string]interface{}, len(fields))
		}
		for k, v := range fields {
			child.base[k] = v
		}
	}
	return child
}

func (l *Logger) log(lvl Level, msg string, extra map[string]interface{}) {
	var ev *zerolog.Event
	switch lvl {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelWarn:
		ev = l.zl.Warn()
	case LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.Info()
	}
	if ev == nil {
		return
	}
	if len(l.base) > 0 {
		ev = ev.Fields(l.base)
	}
	if len(extra) > 0 {
		ev = ev.Fields(extra)
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, extra map[string]interface{}) { l.log(LevelDebug, msg, extra) }
func (l *Logger) Info(msg string, extra map[string]interface{})  { l.log(LevelInfo, msg, extra) }
func (l *Logger) Warn(msg string, extra map[string]interface{})  { l.log(LevelWarn, msg, extra) }
func (l *Logger) Error(msg string, extra map[string]interface{}) { l.log(LevelError, msg, extra) }

// Top-level convenience wrappers
func Debug(msg string, extra map[string]interface{}) { current().Debug(msg, extra) }
func Info(msg string, extra map[string]interface{})  { current().Info(msg, extra) }
func Warn(msg string, extra map[string]interface{})  { current().Warn(msg, extra) }
func Error(msg string, extra map[string]interface{}) { current().Error(msg, extra) }

func SetLevel(lvl Level) {
	l := current()
	defaultMu.Lock()
	l.level = lvl
	l.zl = l.zl.Level(lvl.zerolog())
	defaultMu.Unlock()
}

// Discard silences the default logger; used by tests and quiet CLI modes.
func Discard() {
	Init(io.Discard, LevelError, nil)
}
