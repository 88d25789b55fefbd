// Package brilog provides the structured logger shared by every BRI
// component: the engine, the CRUD router, and the transaction recorder all
// log through a *Logger rather than fmt.Printf.
package brilog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level controls the minimum severity emitted by a Logger.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures a Logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger wraps zerolog.Logger with the component tagging BRI uses
// throughout the engine, router, and recorder.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger from cfg. A zero Config produces an info-level
// console logger writing to stderr.
func New(cfg Config) *Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var zl zerolog.Logger
	if cfg.JSONOutput {
		zl = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).Level(level).With().Timestamp().Logger()
	}

	return &Logger{zl: zl}
}

// Nop returns a Logger that discards everything, e.g. for tests. A nil
// Logger in a config defaults to New's console logger, not to Nop.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child Logger tagging every entry with a component name
// (e.g. "kv", "wal", "bri").
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string, kv ...any) { l.event(l.zl.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...any)   { l.event(l.zl.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)   { l.event(l.zl.Warn(), msg, kv) }

// Error logs msg with err attached and the given key/value pairs.
func (l *Logger) Error(msg string, err error, kv ...any) {
	l.event(l.zl.Error().Err(err), msg, kv)
}

func (l *Logger) event(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
