package zap

import (
	"github.com/3rs4lg4d0/goutbox/v2/gtbx"
	"go.uber.org/zap"
)

// zap implementation of gtbx.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ gtbx.Logger = (*Logger)(nil)

// New returns a Logger tagging every entry with the given component.
func New(l *zap.Logger, component string) *Logger {
	return &Logger{Logger: l.With(zap.String("component", component))}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}
