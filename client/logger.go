package client

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is one structured log attribute.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, val string) Field          { return Field{Key: key, Value: val} }
func Int(key string, val int) Field         { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field     { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field       { return Field{Key: key, Value: val} }

func Duration(key string, val time.Duration) Field { return Field{Key: key, Value: val} }

// Error records err under key. A nil error is logged as null.
func Error(key string, err error) Field { return Field{Key: key, Value: err} }

// Logger is the logging surface used throughout the client. Drivers and
// hooks receive it through ClientOptions.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// NewLogger creates a JSON logger writing to output (stdout when nil) at
// level, one of debug, info, warn or error. Unknown levels mean info.
func NewLogger(level string, output io.Writer) Logger {
	if output == nil {
		output = os.Stdout
	}
	zl := zerolog.New(output).Level(levelFromString(level)).With().Timestamp().Logger()
	return &zeroLogger{zl: zl}
}

// NewZerologLogger adapts an already configured zerolog logger.
func NewZerologLogger(zl zerolog.Logger) Logger {
	return &zeroLogger{zl: zl}
}

// NewDefaultLogger logs at info level to stdout.
func NewDefaultLogger() Logger {
	return NewLogger("info", nil)
}

func levelFromString(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

type zeroLogger struct {
	zl zerolog.Logger
}

func (l *zeroLogger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *zeroLogger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *zeroLogger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *zeroLogger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func (l *zeroLogger) WithFields(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, redact(f))
	}
	return &zeroLogger{zl: ctx.Logger()}
}

// emit writes fields with their native zerolog encoders. ev is nil when
// the level is disabled.
func emit(ev *zerolog.Event, msg string, fields []Field) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		switch v := redact(f).(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case float64:
			ev = ev.Float64(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Str(f.Key, v.String())
		case error:
			ev = ev.AnErr(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

// secretKeys are matched as suffixes of the lowercased key, so db_password
// and api_token are masked too.
var secretKeys = []string{"password", "secret", "token", "authorization", "api_key", "apikey", "dsn"}

func redact(f Field) interface{} {
	key := strings.ToLower(f.Key)
	for _, s := range secretKeys {
		if strings.HasSuffix(key, s) {
			return "[REDACTED]"
		}
	}
	return f.Value
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field)       {}
func (noopLogger) Info(string, ...Field)        {}
func (noopLogger) Warn(string, ...Field)        {}
func (noopLogger) Error(string, ...Field)       {}
func (n noopLogger) WithFields(...Field) Logger { return n }

// NewNoopLogger returns a logger that discards everything.
func NewNoopLogger() Logger {
	return noopLogger{}
}
