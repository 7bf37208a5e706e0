// Package log builds the zap loggers used by the agent binary.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func ParseLevel(level string) (zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel() // info
	if level == "" || level == "info" {
		return lvl, nil
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	return lvl, nil
}

// New returns a production JSON logger. When file is set, output goes to a rotating file instead of stderr.
func New(level zap.AtomicLevel, file string) (*zap.Logger, error) {
	if file != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    128, // megabytes
			MaxBackups: 5,
			MaxAge:     3, // days
			Compress:   true,
		})
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level)
		return zap.New(core), nil
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}
