package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	ServiceName   string
	IsDevelopment bool
	IsDebug       bool

	// Level is one of DEBUG, INFO, WARNING, ERROR, CRITICAL.
	// IsDebug forces DEBUG regardless.
	Level string

	// LogFile, when set, duplicates output into the given file.
	LogFile string

	InitialFields []zap.Field
}

func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(config.Level))
	if config.IsDebug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	outputPaths := []string{"stdout"}
	if config.LogFile != "" {
		outputPaths = append(outputPaths, config.LogFile)
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       config.IsDevelopment,
		DisableStacktrace: false,
		Sampling:          nil,
		Encoding:          "json",
		EncoderConfig:     GetEncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths:       outputPaths,
		ErrorOutputPaths: []string{
			"stderr",
		},
	}

	logger, err := zapConfig.Build(
		zap.Fields(
			zap.String("service", config.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(config.InitialFields...),
	)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}

	return logger, nil
}

func GetEncoderConfig(lineEnding string) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "DEBUG":
		return zap.DebugLevel
	case "WARNING":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "CRITICAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}
