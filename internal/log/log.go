// Package log provides the structured logger used throughout connd: a
// thin wrapper with an Info(msg, "key", val, ...) call convention over
// the standard library's slog.
package log

import (
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetHandler swaps the backing slog handler, e.g. to switch to JSON
// output or raise the level for cmd/connd.
func SetHandler(h slog.Handler) {
	root = slog.New(h)
}

func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }

// New returns a logger scoped with a persistent set of key/value pairs,
// for a component's child logger.
func New(ctx ...interface{}) *Logger {
	return &Logger{l: root.With(ctx...)}
}

type Logger struct{ l *slog.Logger }

func (lg *Logger) Debug(msg string, ctx ...interface{}) { lg.l.Debug(msg, ctx...) }
func (lg *Logger) Info(msg string, ctx ...interface{})  { lg.l.Info(msg, ctx...) }
func (lg *Logger) Warn(msg string, ctx ...interface{})  { lg.l.Warn(msg, ctx...) }
func (lg *Logger) Error(msg string, ctx ...interface{}) { lg.l.Error(msg, ctx...) }
