package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gpsbridge/internal/config"
)

// newLogger writes to stderr and, when tail is set, also into tail so the
// web API can serve recent lines.
func newLogger(c config.LogConfig, tail zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var encCfg zapcore.EncoderConfig
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	var stderrEnc zapcore.Encoder
	if c.Development {
		stderrEnc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		stderrEnc = zapcore.NewJSONEncoder(encCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(stderrEnc, zapcore.Lock(os.Stderr), level)}
	if tail != nil {
		tailCfg := zap.NewDevelopmentEncoderConfig()
		tailCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		tailCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(tailCfg), tail, level))
	}

	opts := []zap.Option{zap.AddCaller()}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}
