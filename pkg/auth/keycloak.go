package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/patrickmn/go-cache"
)

// KeycloakConfig конфигурация для Keycloak
type KeycloakConfig struct {
	ServerURL string
	Realm     string
	ClientID  string
}

// KeycloakClaims claims из токена Keycloak
type KeycloakClaims struct {
	UserID      string `json:"sub"`
	Username    string `json:"preferred_username"`
	Email       string `json:"email"`
	TenantID    string `json:"tenant_id"`
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// KeycloakClient проверяет токены пользователей панели управления
type KeycloakClient struct {
	verifier   *oidc.IDTokenVerifier
	tokenCache *cache.Cache
	clientID   string
}

// NewKeycloakClient создает новый клиент Keycloak
func NewKeycloakClient(ctx context.Context, cfg KeycloakConfig) (*KeycloakClient, error) {
	providerURL := fmt.Sprintf("%s/realms/%s", cfg.ServerURL, cfg.Realm)

	provider, err := oidc.NewProvider(ctx, providerURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания OIDC провайдера: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &KeycloakClient{
		verifier:   verifier,
		tokenCache: cache.New(5*time.Minute, 10*time.Minute),
		clientID:   cfg.ClientID,
	}, nil
}

// ValidateToken проверяет JWT токен и возвращает claims
func (k *KeycloakClient) ValidateToken(ctx context.Context, tokenString string) (*KeycloakClaims, error) {
	if cached, found := k.tokenCache.Get(tokenString); found {
		return cached.(*KeycloakClaims), nil
	}

	idToken, err := k.verifier.Verify(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("ошибка верификации токена: %w", err)
	}

	var claims KeycloakClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("ошибка извлечения claims: %w", err)
	}

	if expiresIn := time.Until(idToken.Expiry); expiresIn > 0 {
		k.tokenCache.Set(tokenString, &claims, expiresIn)
	}

	return &claims, nil
}

// Authenticate реализует interfaces.AuthPort
func (k *KeycloakClient) Authenticate(ctx context.Context, token string) (*interfaces.Principal, error) {
	claims, err := k.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}

	return &interfaces.Principal{
		UserID:   claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		TenantID: claims.TenantID,
		Roles:    k.roles(claims),
	}, nil
}

// roles объединяет роли realm и роли клиента
func (k *KeycloakClient) roles(claims *KeycloakClaims) []string {
	roles := append([]string(nil), claims.RealmAccess.Roles...)
	if clientRoles, ok := claims.ResourceAccess[k.clientID]; ok {
		roles = append(roles, clientRoles.Roles...)
	}
	return roles
}
