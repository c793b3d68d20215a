// Package util provides logging, hash formatting and address helpers.
package util

import (
	"os"
	"time"

	"github.com/hako/durafmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

// InitLogger builds the global logger. Format is "json" or "console"; a
// non-empty file tees output into that file.
func InitLogger(level, format, file string) error {
	zapLevel := zapcore.InfoLevel
	if err := zapLevel.Set(level); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	sink := zapcore.AddSync(os.Stdout)
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, sink, zapLevel)
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return nil
}

// Log returns the global logger, falling back to a development logger
func Log() *zap.SugaredLogger {
	if logger == nil {
		zapLogger, _ := zap.NewDevelopment()
		logger = zapLogger.Sugar()
	}
	return logger
}

// With returns a child logger carrying the given key/value pairs
func With(args ...interface{}) *zap.SugaredLogger {
	return Log().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(args...)
}

// Sync flushes buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// HumanDuration renders d as e.g. "20 minutes 5 seconds"
func HumanDuration(d time.Duration) string {
	return durafmt.Parse(d).LimitFirstN(2).String()
}

func Debug(args ...interface{}) {
	Log().Debug(args...)
}

func Debugf(template string, args ...interface{}) {
	Log().Debugf(template, args...)
}

func Info(args ...interface{}) {
	Log().Info(args...)
}

func Infof(template string, args ...interface{}) {
	Log().Infof(template, args...)
}

func Warn(args ...interface{}) {
	Log().Warn(args...)
}

func Warnf(template string, args ...interface{}) {
	Log().Warnf(template, args...)
}

func Error(args ...interface{}) {
	Log().Error(args...)
}

func Errorf(template string, args ...interface{}) {
	Log().Errorf(template, args...)
}

// Fatalf logs and exits the process
func Fatalf(template string, args ...interface{}) {
	Log().Fatalf(template, args...)
}
