package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the trading logger: a console core plus a size-rotated
// file under logDir. File writes go through lumberjack; the console core
// writes to stderr. Callers must Sync on shutdown.
func NewLogger(logDir string, debug bool) (*zap.SugaredLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileWS := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(logDir, "trading.log"),
		MaxSize:    50, // MB
		MaxBackups: 7,
		Compress:   true,
	})

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEnc.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), fileWS, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stderr), level),
	)

	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
