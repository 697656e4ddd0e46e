package zap

import (
	"github.com/sportsdata/gobox/gbx"
	"go.uber.org/zap"
)

// zap implementation of gbx.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ gbx.Logger = (*Logger)(nil)

func New(l *zap.Logger, component string) *Logger {
	if l == nil {
		panic("zap logger is mandatory")
	}
	return &Logger{Logger: l.With(zap.String("component", component))}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}
