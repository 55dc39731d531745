package infinio

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the fire-and-forget, never-blocking structured logging
// collaborator fixed by spec.md §6 ("Logger: fire-and-forget structured
// logging; never blocks"). It is a thin facade over logiface, backed by the
// stumpy JSON writer, rather than a hand-rolled writer.
type Logger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewLogger builds a Logger writing newline-delimited JSON to w at the
// given minimum level. A nil w defaults to os.Stderr (stumpy's default).
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	var opts []stumpy.Option
	if w != nil {
		opts = append(opts, stumpy.WithWriter(w))
	}
	return &Logger{
		l: logiface.New[*stumpy.Event](
			stumpy.WithStumpy(opts...),
			logiface.WithLevel[*stumpy.Event](level),
		),
	}
}

// nopLogger is used where the caller supplies no Logger (Processor/Service
// construction default): a logiface/stumpy Logger at LevelEmergency writing
// to io.Discard, so nothing it logs is ever visible, for tests that don't
// care about log output.
func nopLogger() *Logger {
	return NewLogger(io.Discard, logiface.LevelEmergency)
}

func (l *Logger) Debugf(msg string, args ...any) {
	l.logf(l.l.Debug(), msg, args...)
}

func (l *Logger) Infof(msg string, args ...any) {
	l.logf(l.l.Info(), msg, args...)
}

func (l *Logger) Warnf(msg string, args ...any) {
	l.logf(l.l.Warning(), msg, args...)
}

func (l *Logger) Errf(err error, msg string, args ...any) {
	b := l.l.Err()
	if err != nil {
		b = b.Err(err)
	}
	l.logf(b, msg, args...)
}

func (l *Logger) logf(b *logiface.Builder[*stumpy.Event], msg string, args ...any) {
	if b == nil {
		return
	}
	if len(args) > 0 {
		b.Logf(msg, args...)
		return
	}
	b.Log(msg)
}
