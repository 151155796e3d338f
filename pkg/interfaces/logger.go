package interfaces

import "context"

// LogLevel определяет уровни логирования
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

// LogField представляет дополнительное поле в логе
type LogField struct {
	Key   string
	Value interface{}
}

// LoggerPort определяет интерфейс для системы логирования.
// Аргументы методов логирования передаются как LogField.
type LoggerPort interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	// Fatal логирует сообщение и завершает процесс
	Fatal(msg string, args ...interface{})

	// Варианты *WithContext дополняют запись полями из контекста:
	// request_id, trace_id, tenant_id, executor_id, user_id
	DebugWithContext(ctx context.Context, msg string, args ...interface{})
	InfoWithContext(ctx context.Context, msg string, args ...interface{})
	WarnWithContext(ctx context.Context, msg string, args ...interface{})
	ErrorWithContext(ctx context.Context, msg string, args ...interface{})

	// WithFields возвращает новый логгер с добавленными полями
	WithFields(fields ...LogField) LoggerPort

	// WithField возвращает новый логгер с добавленным полем
	WithField(key string, value interface{}) LoggerPort

	// WithTenant возвращает новый логгер с идентификатором арендатора
	WithTenant(tenantID string) LoggerPort

	// SetLevel меняет минимальный уровень логирования на лету
	SetLevel(level LogLevel)

	// GetLevel возвращает текущий уровень логирования
	GetLevel() LogLevel

	// Sync сбрасывает буферы логгера
	Sync() error
}
