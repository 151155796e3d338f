package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/auth"
	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/metrics"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TenantHeader подсказка арендатора от клиента. Источник истины всегда токен.
const TenantHeader = "X-Tenant-ID"

// RequestID добавляет уникальный идентификатор запроса
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), interfaces.RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger логирует входящие запросы и время их выполнения
func Logger(logger interfaces.LoggerPort) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Создаем обертку над ResponseWriter для отслеживания статус-кода
			ww := NewResponseWriter(w)

			logger.DebugWithContext(r.Context(), "Входящий запрос",
				interfaces.LogField{Key: "method", Value: r.Method},
				interfaces.LogField{Key: "path", Value: r.URL.Path},
				interfaces.LogField{Key: "remote_addr", Value: r.RemoteAddr},
				interfaces.LogField{Key: "user_agent", Value: r.UserAgent()},
			)

			next.ServeHTTP(ww, r)

			// опрос очереди идет постоянно, его пишем только на debug
			log := logger.InfoWithContext
			if ww.Status() == http.StatusNoContent {
				log = logger.DebugWithContext
			}
			log(r.Context(), "Исходящий ответ",
				interfaces.LogField{Key: "method", Value: r.Method},
				interfaces.LogField{Key: "path", Value: r.URL.Path},
				interfaces.LogField{Key: "status", Value: ww.Status()},
				interfaces.LogField{Key: "duration", Value: time.Since(start).String()},
			)
		})
	}
}

// ResponseWriter обертка для отслеживания статус-кода
type ResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// NewResponseWriter создает новую обертку ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader записывает статус-код
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Status возвращает статус-код
func (rw *ResponseWriter) Status() int {
	return rw.statusCode
}

// Recoverer обрабатывает панику в запросах
func Recoverer(logger interfaces.LoggerPort) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.ErrorWithContext(r.Context(), "Паника при обработке запроса",
						interfaces.LogField{Key: "error", Value: rvr},
						interfaces.LogField{Key: "path", Value: r.URL.Path},
						interfaces.LogField{Key: "method", Value: r.Method},
					)

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Timeout ограничивает время обработки запроса через контекст.
// Синхронное ожидание задачи само укладывается в меньший предел.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORS добавляет заголовки для Cross-Origin Resource Sharing
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == "*" || origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Tenant-ID, X-Request-ID")
				w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			// Обрабатываем предварительные запросы OPTIONS
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders добавляет стандартные заголовки безопасности
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Tracing открывает span запроса и кладет trace_id в контекст
func Tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("dispatch-service/http")
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		traceID := r.Header.Get("X-Trace-ID")
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx = context.WithValue(ctx, interfaces.TraceIDKey, traceID)
		w.Header().Set("X-Trace-ID", traceID)

		ww := NewResponseWriter(w)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", ww.Status()),
		)
	})
}

// Metrics собирает метрики HTTP по шаблону маршрута
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPActiveRequests.Inc()
		defer metrics.HTTPActiveRequests.Dec()

		ww := NewResponseWriter(w)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(ww.Status())

		metrics.HTTPRequests.WithLabelValues(path, r.Method, status).Inc()
		metrics.HTTPDurations.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// Tenant определяет арендатора запроса панели управления. Арендатор из
// токена пользователя приоритетен; заголовок X-Tenant-ID, расходящийся
// с токеном, отклоняется. Без аутентификации (только разработка)
// используется заголовок.
func Tenant(logger interfaces.LoggerPort) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get(TenantHeader))
			tenantID := interfaces.TenantIDFromContext(r.Context())

			if _, authenticated := auth.PrincipalFromContext(r.Context()); authenticated {
				if tenantID == "" {
					http.Error(w, "Tenant is not assigned to the user", http.StatusForbidden)
					return
				}
				if header != "" && !sameTenant(header, tenantID) {
					logger.WarnWithContext(r.Context(), "Заголовок арендатора не совпадает с токеном",
						interfaces.LogField{Key: "header_tenant_id", Value: header},
					)
					http.Error(w, "Tenant mismatch", http.StatusForbidden)
					return
				}
			} else {
				tenantID = header
			}

			normalized, ok := models.NormalizeTenantID(tenantID)
			if !ok {
				http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
				return
			}

			ctx := interfaces.WithTenantID(r.Context(), normalized)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExecutorAuth проверяет токен расширения. Арендатор и исполнитель
// берутся только из токена.
func ExecutorAuth(tokens *security.ExecutorTokenService, logger interfaces.LoggerPort) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r)
			if !ok {
				http.Error(w, "Authorization header is required", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Authenticate(token)
			if err != nil {
				logger.WarnWithContext(r.Context(), "Невалидный токен исполнителя",
					interfaces.LogField{Key: "error", Value: err.Error()})
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if header := strings.TrimSpace(r.Header.Get(TenantHeader)); header != "" && !sameTenant(header, claims.TenantID) {
				logger.WarnWithContext(r.Context(), "Исполнитель запросил чужого арендатора",
					interfaces.LogField{Key: "tenant_id", Value: claims.TenantID},
					interfaces.LogField{Key: "executor_id", Value: claims.ExecutorID},
					interfaces.LogField{Key: "header_tenant_id", Value: header},
				)
				http.Error(w, "Tenant mismatch", http.StatusForbidden)
				return
			}

			ctx := interfaces.WithTenantID(r.Context(), claims.TenantID)
			ctx = context.WithValue(ctx, interfaces.ExecutorIDKey, claims.ExecutorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sameTenant(a, b string) bool {
	na, ok := models.NormalizeTenantID(a)
	if !ok {
		return false
	}
	nb, ok := models.NormalizeTenantID(b)
	return ok && na == nb
}
