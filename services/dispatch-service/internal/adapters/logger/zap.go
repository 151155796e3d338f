package logger

import (
	"context"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger адаптер для Zap, реализующий LoggerPort
type ZapLogger struct {
	logger *zap.SugaredLogger
	level  zap.AtomicLevel
}

var _ interfaces.LoggerPort = (*ZapLogger)(nil)

// contextKeys поля, которые *WithContext переносят из контекста в запись
var contextKeys = []interfaces.ContextKey{
	interfaces.RequestIDKey,
	interfaces.TraceIDKey,
	interfaces.TenantIDKey,
	interfaces.ExecutorIDKey,
	interfaces.UserIDKey,
}

// NewZapLogger создает новый логгер на основе Zap
func NewZapLogger(level string, isProduction bool) (*ZapLogger, error) {
	var config zap.Config

	if isProduction {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.Level = zap.NewAtomicLevelAt(toZapLevel(GetLoggerLevel(level)))
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{logger: logger.Sugar(), level: config.Level}, nil
}

// NewNopLogger логгер, который ничего не пишет
func NewNopLogger() *ZapLogger {
	return &ZapLogger{
		logger: zap.NewNop().Sugar(),
		level:  zap.NewAtomicLevelAt(zapcore.InfoLevel),
	}
}

// GetLoggerLevel преобразует строковый уровень логирования в LogLevel
func GetLoggerLevel(levelStr string) interfaces.LogLevel {
	switch levelStr {
	case "debug":
		return interfaces.DebugLevel
	case "info":
		return interfaces.InfoLevel
	case "warn":
		return interfaces.WarnLevel
	case "error":
		return interfaces.ErrorLevel
	case "fatal":
		return interfaces.FatalLevel
	case "panic":
		return interfaces.PanicLevel
	default:
		return interfaces.InfoLevel
	}
}

func toZapLevel(level interfaces.LogLevel) zapcore.Level {
	switch level {
	case interfaces.DebugLevel:
		return zapcore.DebugLevel
	case interfaces.WarnLevel:
		return zapcore.WarnLevel
	case interfaces.ErrorLevel:
		return zapcore.ErrorLevel
	case interfaces.FatalLevel:
		return zapcore.FatalLevel
	case interfaces.PanicLevel:
		return zapcore.PanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// convertToZapFields преобразует LogField в zap.Field
func convertToZapFields(args ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(args))
	for _, arg := range args {
		if field, ok := arg.(interfaces.LogField); ok {
			out = append(out, zap.Any(field.Key, field.Value))
			continue
		}
		out = append(out, arg)
	}
	return out
}

// withContext добавляет к полям записи значения из контекста
func withContext(ctx context.Context, args []interface{}) []interface{} {
	fields := convertToZapFields(args...)
	for _, key := range contextKeys {
		if v := interfaces.StringFromContext(ctx, key); v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) {
	z.logger.Debugw(msg, convertToZapFields(args...)...)
}

func (z *ZapLogger) Info(msg string, args ...interface{}) {
	z.logger.Infow(msg, convertToZapFields(args...)...)
}

func (z *ZapLogger) Warn(msg string, args ...interface{}) {
	z.logger.Warnw(msg, convertToZapFields(args...)...)
}

func (z *ZapLogger) Error(msg string, args ...interface{}) {
	z.logger.Errorw(msg, convertToZapFields(args...)...)
}

// Fatal пишет запись и завершает процесс
func (z *ZapLogger) Fatal(msg string, args ...interface{}) {
	z.logger.Fatalw(msg, convertToZapFields(args...)...)
}

func (z *ZapLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Debugw(msg, withContext(ctx, args)...)
}

func (z *ZapLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Infow(msg, withContext(ctx, args)...)
}

func (z *ZapLogger) WarnWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Warnw(msg, withContext(ctx, args)...)
}

func (z *ZapLogger) ErrorWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Errorw(msg, withContext(ctx, args)...)
}

// WithFields реализация интерфейса LoggerPort
func (z *ZapLogger) WithFields(fields ...interfaces.LogField) interfaces.LoggerPort {
	zapFields := make([]interface{}, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}
	return &ZapLogger{logger: z.logger.With(zapFields...), level: z.level}
}

// WithField реализация интерфейса LoggerPort
func (z *ZapLogger) WithField(key string, value interface{}) interfaces.LoggerPort {
	return &ZapLogger{logger: z.logger.With(zap.Any(key, value)), level: z.level}
}

// WithTenant реализация интерфейса LoggerPort
func (z *ZapLogger) WithTenant(tenantID string) interfaces.LoggerPort {
	return z.WithField("tenant_id", tenantID)
}

// SetLevel меняет уровень всех логгеров, порожденных от этого
func (z *ZapLogger) SetLevel(level interfaces.LogLevel) {
	z.level.SetLevel(toZapLevel(level))
}

// GetLevel реализация интерфейса LoggerPort
func (z *ZapLogger) GetLevel() interfaces.LogLevel {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return interfaces.DebugLevel
	case zapcore.WarnLevel:
		return interfaces.WarnLevel
	case zapcore.ErrorLevel:
		return interfaces.ErrorLevel
	case zapcore.FatalLevel:
		return interfaces.FatalLevel
	case zapcore.PanicLevel, zapcore.DPanicLevel:
		return interfaces.PanicLevel
	default:
		return interfaces.InfoLevel
	}
}

// Sync реализация интерфейса LoggerPort
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}
