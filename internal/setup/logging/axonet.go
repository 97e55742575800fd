package logging

import (
	"github.com/jaxron/axonet/pkg/client/logger"
	"go.uber.org/zap"
)

// AxonetLogger adapts zap.Logger to implement the axonet logger.Logger interface.
type AxonetLogger struct {
	zap *zap.Logger
}

// NewAxonet creates a new AxonetLogger instance that wraps a zap.Logger.
// This adapter allows zap.Logger to be used with the axonet logging interface.
func NewAxonet(zapLogger *zap.Logger) logger.Logger {
	return &AxonetLogger{zap: zapLogger}
}

func (l *AxonetLogger) Debug(msg string)                  { l.zap.Debug(msg) }
func (l *AxonetLogger) Info(msg string)                   { l.zap.Info(msg) }
func (l *AxonetLogger) Warn(msg string)                   { l.zap.Warn(msg) }
func (l *AxonetLogger) Error(msg string)                  { l.zap.Error(msg) }
func (l *AxonetLogger) Debugf(format string, args ...any) { l.zap.Sugar().Debugf(format, args...) }
func (l *AxonetLogger) Infof(format string, args ...any)  { l.zap.Sugar().Infof(format, args...) }
func (l *AxonetLogger) Warnf(format string, args ...any)  { l.zap.Sugar().Warnf(format, args...) }
func (l *AxonetLogger) Errorf(format string, args ...any) { l.zap.Sugar().Errorf(format, args...) }

// WithFields creates a new logger with additional context fields.
// It converts axonet fields to zap fields and creates a new logger instance.
func (l *AxonetLogger) WithFields(fields ...logger.Field) logger.Logger {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = zap.Any(f.Key, f.Value)
	}

	return &AxonetLogger{zap: l.zap.With(zapFields...)}
}
