package pionsfu

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// named tags base with the component's module. Loggers handed down to child
// components carry only identifying fields, so every line has one module key.
func named(base zerolog.Logger, module string) zerolog.Logger {
	return base.With().Str("module", module).Logger()
}

// loggerFactory routes pion's internal logs into zerolog.
type loggerFactory struct {
	worker int
}

func newLoggerFactory(worker int) logging.LoggerFactory {
	return loggerFactory{worker: worker}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{l: log.With().Str("module", "pion."+scope).Int("worker", f.worker).Logger()}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (z *leveledLogger) Trace(msg string)                  { z.l.Trace().Msg(msg) }
func (z *leveledLogger) Tracef(format string, args ...any) { z.l.Trace().Msgf(format, args...) }
func (z *leveledLogger) Debug(msg string)                  { z.l.Debug().Msg(msg) }
func (z *leveledLogger) Debugf(format string, args ...any) { z.l.Debug().Msgf(format, args...) }
func (z *leveledLogger) Info(msg string)                   { z.l.Info().Msg(msg) }
func (z *leveledLogger) Infof(format string, args ...any)  { z.l.Info().Msgf(format, args...) }
func (z *leveledLogger) Warn(msg string)                   { z.l.Warn().Msg(msg) }
func (z *leveledLogger) Warnf(format string, args ...any)  { z.l.Warn().Msgf(format, args...) }
func (z *leveledLogger) Error(msg string)                  { z.l.Error().Msg(msg) }
func (z *leveledLogger) Errorf(format string, args ...any) { z.l.Error().Msgf(format, args...) }
