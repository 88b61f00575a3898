package logger

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerConfig struct {
	ServiceName   string
	IsInternal    bool
	IsDevelopment bool
	IsDebug       bool
	InitialFields []zap.Field

	Cores []zapcore.Core
}

func NewLogger(_ context.Context, loggerConfig LoggerConfig) (*zap.Logger, error) {
	var level zap.AtomicLevel
	if loggerConfig.IsDebug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.Config{
		Level:             level,
		Development:       loggerConfig.IsDevelopment,
		DisableStacktrace: false,
		Sampling:          nil,
		Encoding:          "json",
		EncoderConfig:     GetEncoderConfig(zapcore.DefaultLineEnding),
		OutputPaths: []string{
			"stdout",
		},
		ErrorOutputPaths: []string{
			"stderr",
		},
	}

	cores := make([]zapcore.Core, 0)

	if loggerConfig.IsInternal {
		provider := global.GetLoggerProvider()
		cores = append(cores,
			otelzap.NewCore(loggerConfig.ServiceName, otelzap.WithLoggerProvider(provider)),
		)
	}

	cores = append(cores, loggerConfig.Cores...)

	logger, err := config.Build(
		zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			cores = append(cores, c)

			return zapcore.NewTee(cores...)
		}),
		zap.Fields(
			zap.String("service", loggerConfig.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
		zap.Fields(loggerConfig.InitialFields...),
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

// TracedLogger adds the fields carried by the context to every entry.
type TracedLogger struct {
	*zap.Logger
}

var globalLogger atomic.Pointer[TracedLogger]

func init() {
	globalLogger.Store(&TracedLogger{Logger: zap.NewNop()})
}

// ReplaceGlobals sets the logger returned by L and zap.L.
func ReplaceGlobals(l *zap.Logger) func() {
	prev := globalLogger.Swap(&TracedLogger{Logger: l})
	undo := zap.ReplaceGlobals(l)

	return func() {
		globalLogger.Store(prev)
		undo()
	}
}

func L() *TracedLogger {
	return globalLogger.Load()
}

func (l *TracedLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.Logger.Debug(msg, append(fields, FieldsFromContext(ctx)...)...)
}

func (l *TracedLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.Logger.Info(msg, append(fields, FieldsFromContext(ctx)...)...)
}

func (l *TracedLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(fields, FieldsFromContext(ctx)...)...)
}

func (l *TracedLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.Logger.Error(msg, append(fields, FieldsFromContext(ctx)...)...)
}

func (l *TracedLogger) With(fields ...zap.Field) *TracedLogger {
	return &TracedLogger{Logger: l.Logger.With(fields...)}
}
