package worker

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger adapts zap to the Temporal SDK logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

var _ log.Logger = (*zapLogger)(nil)
var _ log.WithLogger = (*zapLogger)(nil)

// NewLogger returns a Temporal logger writing to logger. Nil discards.
func NewLogger(logger *zap.Logger) log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLogger{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar().With("component", "temporal")}
}

func (l *zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }

// With implements log.WithLogger.
func (l *zapLogger) With(keyvals ...any) log.Logger {
	return &zapLogger{s: l.s.With(keyvals...)}
}
