package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a production logger, or a development one when dev is set.
// level overrides the configured level when non-empty ("debug", "info", ...).
func New(dev bool, level string) (*Logger, error) {
	config := zap.NewProductionConfig()
	if dev {
		config = zap.NewDevelopmentConfig()
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: logger.Sugar()}, nil
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	if l == nil || l.SugaredLogger == nil {
		return zap.NewNop().Sugar()
	}
	return l.SugaredLogger
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.sugar().With(kv...)}
}

func (l *Logger) Info(args ...interface{}) {
	l.sugar().Info(args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.sugar().Error(args...)
}

func (l *Logger) Debug(args ...interface{}) {
	l.sugar().Debug(args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.sugar().Warn(args...)
}

func (l *Logger) Infow(msg string, kv ...interface{}) {
	l.sugar().Infow(msg, kv...)
}

func (l *Logger) Warnw(msg string, kv ...interface{}) {
	l.sugar().Warnw(msg, kv...)
}

func (l *Logger) Errorw(msg string, kv ...interface{}) {
	l.sugar().Errorw(msg, kv...)
}

func (l *Logger) Debugw(msg string, kv ...interface{}) {
	l.sugar().Debugw(msg, kv...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar().Sync()
}
