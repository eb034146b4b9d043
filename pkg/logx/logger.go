package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const (
	timeFormat = "2006-01-02T15:04:05.000Z07:00"
	errorKey   = "err"
	compKey    = "comp"
)

func init() { zerolog.TimeFieldFormat = timeFormat }

// sink yields the zerolog logger to write through. A Service is a sink that
// can change under a running process.
type sink interface {
	current() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) current() zerolog.Logger { return zerolog.Logger(f) }

// Logger is a value type; copy it freely. The zero Logger discards.
type Logger struct {
	sink   sink
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{sink: fixed(zerolog.Nop())} }

// NewConsole logs human-readable lines to stderr. The CLI uses it so that
// stdout carries only command output.
func NewConsole(level string) Logger {
	return Logger{sink: fixed(newZerolog(consoleWriter(os.Stderr), ParseLevel(level)))}
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{sink: fixed(newZerolog(w, ParseLevel(level)))}
}

func (l Logger) IsZero() bool { return l.sink == nil && len(l.fields) == 0 }

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

// Named tags every event with the component name (comp=...).
func (l Logger) Named(comp string) Logger { return l.With(String(compKey, comp)) }

func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel()
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) zl() zerolog.Logger {
	if l.sink == nil {
		return zerolog.Nop()
	}
	return l.sink.current()
}

// emit is called only from the level methods; caller depth depends on it.
func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.zl()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		ev.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(ev)
			}
		}
	}
	ev.Msg(msg)
}

// ParseLevel maps a config level name to a Level. Unknown names mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func newZerolog(w io.Writer, level Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
