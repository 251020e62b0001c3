// Package logging builds the zap logger shared by the cache pipeline
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger settings
type Config struct {
	Level       string // debug, info, warn or error
	Development bool   // console encoding instead of JSON

	// File enables rotation through lumberjack. Empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns a JSON logger at info level on stderr
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 10,
		Compress:   true,
	}
}

// New builds a logger from cfg
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	sink, err := writer(cfg)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if cfg.Development {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return zap.New(core, opts...), nil
}

// Must is like New but panics on error
func Must(cfg Config) *zap.Logger {
	logger, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return logger
}

func writer(cfg Config) (zapcore.WriteSyncer, error) {
	if cfg.File == "" {
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}), nil
}
