package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tenant арендатор платформы. Владеет ровно одной схемой в общей БД
type Tenant struct {
	ID         string `json:"id"`
	SchemaName string `json:"schema_name"`
	QuotaTier  string `json:"quota_tier"`
	// SessionFingerprint непрозрачный отпечаток сессии площадки, задается арендатором
	SessionFingerprint string     `json:"-"`
	ProvisionedAt      *time.Time `json:"provisioned_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Provisioned сообщает, была ли создана схема арендатора
func (t *Tenant) Provisioned() bool {
	return t.ProvisionedAt != nil
}

// SchemaNameFor выводит имя схемы из идентификатора арендатора.
// Имя никогда не приходит от клиента.
func SchemaNameFor(tenantID string) (string, bool) {
	id, err := uuid.Parse(tenantID)
	if err != nil {
		return "", false
	}
	return "t_" + strings.ReplaceAll(id.String(), "-", "_"), true
}

// NormalizeTenantID приводит UUID арендатора к каноническому виду
func NormalizeTenantID(tenantID string) (string, bool) {
	id, err := uuid.Parse(tenantID)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
