package interfaces

import "context"

// ContextKey тип ключей контекста, общих для сервисов платформы
type ContextKey string

const (
	RequestIDKey  ContextKey = "request_id"
	TraceIDKey    ContextKey = "trace_id"
	TenantIDKey   ContextKey = "tenant_id"
	ExecutorIDKey ContextKey = "executor_id"
	UserIDKey     ContextKey = "user_id"
)

// WithTenantID кладет идентификатор арендатора в контекст
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantIDFromContext возвращает идентификатор арендатора или пустую строку
func TenantIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(TenantIDKey).(string)
	return v
}

// ExecutorIDFromContext возвращает идентификатор исполнителя (расширения браузера)
func ExecutorIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ExecutorIDKey).(string)
	return v
}

// StringFromContext читает строковое значение по ключу
func StringFromContext(ctx context.Context, key ContextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}
