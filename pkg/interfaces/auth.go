package interfaces

import (
	"context"
)

// Principal аутентифицированный пользователь панели управления
type Principal struct {
	UserID   string
	Username string
	Email    string
	TenantID string
	Roles    []string
}

// HasRole проверяет наличие роли у пользователя
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthPort определяет интерфейс для проверки токенов пользователей
type AuthPort interface {
	// Authenticate проверяет токен и возвращает пользователя
	Authenticate(ctx context.Context, token string) (*Principal, error)
}
