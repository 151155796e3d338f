package config

import (
	"github.com/athebyme/crosslist-platform/pkg/auth"
)

// KeycloakConfig вход владельцев аккаунтов через Keycloak.
// Выключенный Keycloak означает доступ к API арендатора без токена, только для разработки.
type KeycloakConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerURL string `mapstructure:"server_url"`
	Realm     string `mapstructure:"realm"`
	ClientID  string `mapstructure:"client_id"`
}

// GetKeycloakConfig возвращает конфигурацию для auth.KeycloakClient
func (k *KeycloakConfig) GetKeycloakConfig() auth.KeycloakConfig {
	return auth.KeycloakConfig{
		ServerURL: k.ServerURL,
		Realm:     k.Realm,
		ClientID:  k.ClientID,
	}
}
