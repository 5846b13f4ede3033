// Package kzap provides a plug-in kcg.Logger wrapping uber's zap for usage
// in a kcg.Consumer.
//
// This can be used like so:
//
//	consumer, err := kcg.NewConsumer(conn, group, topics,
//		kcg.WithLogger(kzap.New(zapLogger)),
//	)
//
// The logger chooses the highest level enabled on the zap logger at
// construction time and sticks with that level forever.
package kzap

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/karstel/kcg"
)

// Logger provides the kcg.Logger interface for usage in kcg.WithLogger.
type Logger struct {
	zl    *zap.Logger
	level kcg.LogLevel
}

// New returns a new logger that logs at the highest level enabled in the
// zap logger.
func New(zl *zap.Logger) *Logger {
	static := kcg.LogLevelError
	switch {
	case zl.Core().Enabled(zapcore.DebugLevel):
		static = kcg.LogLevelDebug
	case zl.Core().Enabled(zapcore.InfoLevel):
		static = kcg.LogLevelInfo
	case zl.Core().Enabled(zapcore.WarnLevel):
		static = kcg.LogLevelWarn
	}
	return &Logger{zl: zl, level: static}
}

// Level returns the static level chosen at construction.
func (l *Logger) Level() kcg.LogLevel { return l.level }

// Log maps key, value pair arguments to zap fields and logs at the
// equivalent zap level.
func (l *Logger) Log(level kcg.LogLevel, msg string, keyvals ...interface{}) {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "field"
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	switch level {
	case kcg.LogLevelDebug:
		l.zl.Debug(msg, fields...)
	case kcg.LogLevelInfo:
		l.zl.Info(msg, fields...)
	case kcg.LogLevelWarn:
		l.zl.Warn(msg, fields...)
	case kcg.LogLevelError:
		l.zl.Error(msg, fields...)
	}
}
