package security

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantResolver проверяет, что арендатор существует и его схема создана
type TenantResolver func(ctx context.Context, tenantID string) error

// ExecutorToken выпущенный токен расширения
type ExecutorToken struct {
	Token      string    `json:"token"`
	ExecutorID string    `json:"executor_id"`
	TenantID   string    `json:"tenant_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExecutorTokenService выдает токены расширениям браузера арендатора
type ExecutorTokenService struct {
	jwt     *JWTManager
	resolve TenantResolver
}

func NewExecutorTokenService(jwt *JWTManager, resolve TenantResolver) *ExecutorTokenService {
	return &ExecutorTokenService{jwt: jwt, resolve: resolve}
}

// Issue выпускает токен. Пустой executorID заменяется новым идентификатором.
func (s *ExecutorTokenService) Issue(ctx context.Context, tenantID, executorID string, now time.Time) (*ExecutorToken, error) {
	if err := s.resolve(ctx, tenantID); err != nil {
		return nil, err
	}
	if executorID == "" {
		executorID = uuid.New().String()
	}

	token, expiresAt, err := s.jwt.Generate(tenantID, executorID, now)
	if err != nil {
		return nil, err
	}

	return &ExecutorToken{
		Token:      token,
		ExecutorID: executorID,
		TenantID:   tenantID,
		ExpiresAt:  expiresAt,
	}, nil
}

// Authenticate проверяет токен исполнителя
func (s *ExecutorTokenService) Authenticate(token string) (*ExecutorClaims, error) {
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(ScopeExecutor) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
