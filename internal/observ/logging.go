package observ

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetOutput(os.Stdout)
}

// SetOutput redirects the JSON log stream. The current level is kept.
func SetOutput(w io.Writer) {
	level := zerolog.InfoLevel
	if cur := logger.Load(); cur != nil {
		level = cur.GetLevel()
	}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	logger.Store(&l)
}

// SetLevel sets the minimum level ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	l := logger.Load().Level(lvl)
	logger.Store(&l)
	return nil
}

// Log writes one structured line: {"level":"info","event":...,"ts":...,kv...}.
// "event" is reserved for the line's name; a kv entry under that key is
// written as "event_name".
func Log(event string, kv map[string]any) {
	emit(zerolog.InfoLevel, event, kv)
}

func Debug(event string, kv map[string]any) {
	emit(zerolog.DebugLevel, event, kv)
}

func Warn(event string, kv map[string]any) {
	emit(zerolog.WarnLevel, event, kv)
}

func Error(event string, kv map[string]any) {
	emit(zerolog.ErrorLevel, event, kv)
}

func emit(level zerolog.Level, event string, kv map[string]any) {
	e := logger.Load().WithLevel(level)
	if e == nil {
		return
	}
	if kv != nil {
		if _, clash := kv["event"]; clash {
			kv = renameKey(kv, "event", "event_name")
		}
		e = e.Fields(kv)
	}
	e.Str("event", event).Send()
}

// renameKey returns a copy of kv with from moved to to. The caller's map is
// left alone.
func renameKey(kv map[string]any, from, to string) map[string]any {
	out := make(map[string]any, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	out[to] = out[from]
	delete(out, from)
	return out
}
