// Package logging adapts zap loggers to the ose-micro/core logger.Logger
// interface and scopes them with fixed fields.
package logging

import (
	"github.com/ose-micro/core/logger"
	"go.uber.org/zap"
)

type zapLogger struct {
	z *zap.Logger
}

var _ logger.Logger = (*zapLogger)(nil)

// FromZap wraps z. The wrapper skips its own frame when reporting callers.
func FromZap(z *zap.Logger) logger.Logger {
	return &zapLogger{z: z.WithOptions(zap.AddCallerSkip(1))}
}

// Nop returns a logger that discards everything.
func Nop() logger.Logger {
	return &zapLogger{z: zap.NewNop()}
}

// With returns log carrying fields on every entry. A nil log yields Nop.
func With(log logger.Logger, fields ...zap.Field) logger.Logger {
	if log == nil {
		return Nop()
	}
	return &zapLogger{z: log.Zap().With(fields...)}
}

func (l *zapLogger) Zap() *zap.Logger { return l.z }

func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.z.Sugar().Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.z.Sugar().Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.z.Sugar().Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...any) {
	l.z.Sugar().Errorw(msg, keysAndValues...)
}

func (l *zapLogger) Fatal(msg string, keysAndValues ...any) {
	l.z.Sugar().Fatalw(msg, keysAndValues...)
}

func (l *zapLogger) Panic(msg string, keysAndValues ...any) {
	l.z.Sugar().Panicw(msg, keysAndValues...)
}
