package zerolog

import (
	"github.com/rs/zerolog"
	"github.com/sportsdata/gobox/gbx"
)

// zerolog implementation of gbx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ gbx.Logger = (*Logger)(nil)

// New tags every entry with the component that produced it.
func New(l zerolog.Logger, component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
