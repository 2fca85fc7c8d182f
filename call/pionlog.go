package call

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging into zap
type zapLoggerFactory struct {
	logger *zap.Logger
}

// NewLoggerFactory returns a pion LoggerFactory writing to logger. Each pion
// scope becomes a named child logger.
func NewLoggerFactory(logger *zap.Logger) logging.LoggerFactory {
	return &zapLoggerFactory{logger: logger.Named("pion")}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{s: f.logger.Named(scope).Sugar()}
}

// zapLeveledLogger implements logging.LeveledLogger. pion trace output is
// folded into debug.
type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLeveledLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveledLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveledLogger) Info(msg string)                           { l.s.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLeveledLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLeveledLogger) Error(msg string)                          { l.s.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
