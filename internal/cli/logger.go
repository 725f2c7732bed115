package cli

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures BuildLogger.
type LogConfig struct {
	Level string
	// File, when set, receives a JSON copy of every entry and is rotated by
	// size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// BuildLogger returns a production logger, or a development one for the
// debug level. Unknown levels fall back to info.
func BuildLogger(lc LogConfig) (*zap.Logger, error) {
	var cfg zap.Config

	switch lc.Level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	level := parseLevel(lc.Level)
	cfg.Level = zap.NewAtomicLevelAt(level)

	var opts []zap.Option
	if lc.File != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotatingFile(lc)),
			level,
		)
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func rotatingFile(lc LogConfig) *lumberjack.Logger {
	size, backups, age := lc.MaxSizeMB, lc.MaxBackups, lc.MaxAgeDays
	if size <= 0 {
		size = 10
	}
	if backups <= 0 {
		backups = 3
	}
	if age <= 0 {
		age = 28
	}
	return &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    size,
		MaxBackups: backups,
		MaxAge:     age,
		Compress:   true,
	}
}
