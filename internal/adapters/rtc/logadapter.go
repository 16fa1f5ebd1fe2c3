package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// loggerFactory implements logging.LoggerFactory on top of zerolog.
type loggerFactory struct {
	logger zerolog.Logger
}

func newLoggerFactory(logger zerolog.Logger) *loggerFactory {
	return &loggerFactory{logger: logger}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{logger: f.logger.With().Str("scope", scope).Logger()}
}

// logAdapter implements logging.LeveledLogger. pion's info level is chatty,
// so it is treated as debug.
type logAdapter struct {
	logger zerolog.Logger
}

func (l *logAdapter) Trace(msg string) { l.logger.Trace().Msg(msg) }

func (l *logAdapter) Tracef(format string, args ...any) { l.logger.Trace().Msgf(format, args...) }

func (l *logAdapter) Debug(msg string) { l.logger.Debug().Msg(msg) }

func (l *logAdapter) Debugf(format string, args ...any) { l.logger.Debug().Msgf(format, args...) }

func (l *logAdapter) Info(msg string) { l.logger.Debug().Msg(msg) }

func (l *logAdapter) Infof(format string, args ...any) { l.logger.Debug().Msgf(format, args...) }

func (l *logAdapter) Warn(msg string) { l.logger.Warn().Msg(msg) }

func (l *logAdapter) Warnf(format string, args ...any) { l.logger.Warn().Msgf(format, args...) }

func (l *logAdapter) Error(msg string) { l.logger.Error().Msg(msg) }

func (l *logAdapter) Errorf(format string, args ...any) { l.logger.Error().Msgf(format, args...) }
