// Package eventlog provides the optimizer's two logging surfaces: a
// human-facing structured logger (adapted from the teacher's
// pkg/reporting.Logger, zerolog-backed) and an append-only JSON-Lines
// event sink implementing the record kinds named in the specification's
// external-interfaces section.
package eventlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the teacher's LogLevel, renamed to avoid stutter with the
// package name.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format mirrors the teacher's LogFormat.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LoggerConfig configures a Logger.
type LoggerConfig struct {
	Level  Level
	Format Format
	Output io.Writer
}

// Logger is a thin, field-based wrapper over zerolog, matching the call
// shape (`Info(msg, "key", val, ...)`) used throughout the teacher's
// codebase and logiface-style loggers elsewhere in the corpus.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger builds a Logger per cfg.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	var output io.Writer = cfg.Output
	if cfg.Format == FormatText {
		output = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}
	zlog := zerolog.New(output).With().Timestamp().Logger().Level(levelOf(cfg.Level))
	return &Logger{logger: zlog}
}

func levelOf(l Level) zerolog.Level {
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

func (l *Logger) Debug(msg string, fields ...interface{}) { l.emit(l.logger.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.emit(l.logger.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.emit(l.logger.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.emit(l.logger.Error(), msg, fields) }

// WithField returns a child Logger carrying an additional persistent field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields []interface{}) {
	if len(fields)%2 != 0 {
		event.Str("log_error", "odd number of fields")
		event.Msg(msg)
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event.Interface(key, fields[i+1])
	}
	event.Msg(msg)
}
