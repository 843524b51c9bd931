// Package logging wraps go.uber.org/zap: a level/format switch producing
// either a console (development) or JSON (production) encoder.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a configured zap logger for the honeypot core's hot path
// (listener, sandbox manager, proxy, session manager).
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// New builds a Logger. level is one of debug/info/warn/error; format is
// "json" or anything else for the human-readable console encoder.
func New(level, format string) (*Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)
	zl := zap.New(core, zap.AddCaller())

	return &Logger{Logger: zl, sugar: zl.Sugar()}, nil
}

// Sugar returns the SugaredLogger for printf-style call sites.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

// Nop returns a Logger that discards everything, used by package tests
// that construct components without a real logging sink.
func Nop() *Logger {
	zl := zap.NewNop()
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}
