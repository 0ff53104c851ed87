package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop()

// Init builds the process logger. LOG_LEVEL overrides the level,
// LOG_FORMAT=console switches to the development encoder.
func Init() *zap.Logger {
	config := zap.NewProductionConfig()
	if os.Getenv("LOG_FORMAT") == "console" {
		config = zap.NewDevelopmentConfig()
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if level, err := zapcore.ParseLevel(lvl); err == nil {
			config.Level.SetLevel(level)
		}
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := config.Build()
	if err != nil {
		panic(err)
	}
	log = l
	zap.ReplaceGlobals(l)
	return l
}

func Info(msg string, fields ...zap.Field)  { log.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...) }
func Error(msg string, fields ...zap.Field) { log.WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...) }

func Sync() { _ = log.Sync() }

// OrNop keeps components usable without a configured logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
