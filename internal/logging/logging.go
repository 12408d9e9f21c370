// Package logging provides the shared structured logger used by every
// crawlkit package, and a bridge that also surfaces log lines as
// events.CrawlerEvent values for consumers like internal/api's SSE stream.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives a rendered log line alongside its level, so callers can
// fan log output out to an event emitter without coupling this package to
// internal/events.
type Sink interface {
	Log(level, message string)
}

// Logger wraps a zerolog.Logger with the crawlkit convention of optionally
// mirroring Info/Warn/Error/Debug lines to a Sink.
type Logger struct {
	zl   zerolog.Logger
	mu   sync.RWMutex
	sink Sink
}

// New creates a Logger writing to w (os.Stderr if nil) at the given
// component name.
func New(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &Logger{zl: zl}
}

// SetSink installs (or clears, with nil) the event sink.
func (l *Logger) SetSink(sink Sink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

func (l *Logger) notify(level, msg string) {
	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	if sink != nil {
		sink.Log(level, msg)
	}
}

// toFields turns a flat key, value, key, value... list into a zerolog
// fields map. Odd trailing keys are dropped.
func toFields(kv []any) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, kv ...any) {
	l.zl.Debug().Fields(toFields(kv)).Msg(msg)
	l.notify("debug", msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string, kv ...any) {
	l.zl.Info().Fields(toFields(kv)).Msg(msg)
	l.notify("info", msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, kv ...any) {
	l.zl.Warn().Fields(toFields(kv)).Msg(msg)
	l.notify("warn", msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string, err error, kv ...any) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Fields(toFields(kv)).Msg(msg)
	l.notify("error", msg)
}

// With returns a child logger carrying additional structured context.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	child := &Logger{zl: l.zl.With().Interface(key, value).Logger(), sink: sink}
	return child
}

// Nop returns a Logger that discards everything, useful as a zero-value-safe
// default in tests and constructors.
func Nop() *Logger {
	return &Logger{zl: zerolog.New(io.Discard)}
}

// Elapsed is a small helper used across packages to log operation duration.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start)
}
