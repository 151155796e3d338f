package models

import (
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
)

// ReconcileReport итог сверки снимка площадки с локальными данными
type ReconcileReport struct {
	Marketplace Marketplace `json:"marketplace"`
	Created     int         `json:"created"`
	Updated     int         `json:"updated"`
	Deleted     int         `json:"deleted"`
	Unchanged   int         `json:"unchanged"`
	// DeletesSkipped сколько удалений пропущено, потому что снимок неполный
	DeletesSkipped int                    `json:"deletes_skipped"`
	Errors         []utils.ReconcileError `json:"errors"`
}

// AddError добавляет ошибку по одному объявлению
func (r *ReconcileReport) AddError(itemKey, reason string) {
	r.Errors = append(r.Errors, utils.ReconcileError{ItemKey: itemKey, Reason: reason})
}

// Changed сообщает, изменила ли сверка хоть одну запись
func (r *ReconcileReport) Changed() bool {
	return r.Created+r.Updated+r.Deleted > 0
}
