package security

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// ScopeExecutor разрешает опрос очереди и отправку результатов
const ScopeExecutor = "executor"

// JWTManager выпускает и проверяет токены расширений браузера
type JWTManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	expiration time.Duration
	issuer     string
}

// ExecutorClaims claims токена исполнителя. Арендатор задачи берется
// только отсюда, заголовки запроса его не переопределяют.
type ExecutorClaims struct {
	jwt.RegisteredClaims
	TenantID   string   `json:"tenant_id"`
	ExecutorID string   `json:"executor_id"`
	Scopes     []string `json:"scopes"`
}

// HasScope проверяет наличие области действия токена
func (c *ExecutorClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func NewJWTManager(privateKeyPEM, publicKeyPEM []byte, expiration time.Duration, issuer string) (*JWTManager, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	return newJWTManager(privateKey, publicKey, expiration, issuer), nil
}

// NewEphemeralJWTManager создает менеджер со случайным ключом.
// Токены перестают действовать после перезапуска, только для локального запуска.
func NewEphemeralJWTManager(expiration time.Duration, issuer string) (*JWTManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newJWTManager(key, &key.PublicKey, expiration, issuer), nil
}

func newJWTManager(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, expiration time.Duration, issuer string) *JWTManager {
	if expiration <= 0 {
		expiration = 30 * 24 * time.Hour
	}
	return &JWTManager{
		privateKey: privateKey,
		publicKey:  publicKey,
		expiration: expiration,
		issuer:     issuer,
	}
}

// Generate выпускает токен исполнителя арендатора
func (m *JWTManager) Generate(tenantID, executorID string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(m.expiration)
	claims := ExecutorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   executorID,
		},
		TenantID:   tenantID,
		ExecutorID: executorID,
		Scopes:     []string{ScopeExecutor},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *JWTManager) Validate(tokenString string) (*ExecutorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ExecutorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(m.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*ExecutorClaims)
	if !ok || !token.Valid || claims.TenantID == "" || claims.ExecutorID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
