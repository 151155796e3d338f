package utils

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ----------------- storage ------------------
var (
	ErrStorageEmptyHostName       = errors.New("host name is empty")
	ErrStorageInvalidPortNumber   = errors.New("port number is invalid")
	ErrStorageEmptyUsername       = errors.New("username is empty")
	ErrStorageEmptyPassword       = errors.New("password is empty")
	ErrStorageInvalidDatabaseName = errors.New("database name is empty")
	ErrStorageInvalidSslMode      = errors.New("SSL mode is invalid")
	ErrStorageInvalidPoolSize     = errors.New("pool size is invalid")
	ErrStorageInvalidTimeout      = errors.New("timeout is invalid")
)

// ----------------- tenants ------------------
var (
	ErrTenantNotFound          = errors.New("tenant not found")
	ErrNamespaceNotProvisioned = errors.New("tenant namespace not provisioned")
	ErrInvalidTenantID         = errors.New("invalid tenant id")
	ErrTenantMismatch          = errors.New("tenant mismatch")
)

// ----------------- tasks ------------------
var (
	ErrRateLimited         = errors.New("rate limited")
	ErrDuplicateTask       = errors.New("duplicate task")
	ErrInvalidTransition   = errors.New("invalid task state transition")
	ErrExecutorUnavailable = errors.New("executor unavailable")
	ErrTaskExpired         = errors.New("task expired")
	ErrTaskFailed          = errors.New("task failed")
	ErrTaskNotFound        = errors.New("task not found")
	ErrInvalidAction       = errors.New("invalid action")
	ErrInvalidMarketplace  = errors.New("invalid marketplace")
	ErrInvalidParams       = errors.New("invalid task params")
	ErrInvalidWeight       = errors.New("invalid reservation weight")
)

// ----------------- inventory ------------------
var (
	ErrReconcile       = errors.New("reconcile error")
	ErrItemNotFound    = errors.New("inventory item not found")
	ErrVersionConflict = errors.New("inventory item version conflict")
)

// RateLimitedError отказ лимитера с временем, через которое стоит повторить
type RateLimitedError struct {
	Marketplace string
	RetryAfter  time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Marketplace, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterMinutes время ожидания в минутах с округлением вверх
func (e *RateLimitedError) RetryAfterMinutes() int {
	minutes := int(math.Ceil(e.RetryAfter.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// TaskFailedError задача завершилась ошибкой на стороне исполнителя
type TaskFailedError struct {
	TaskID string
	Kind   string
	Reason string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s: %s", e.TaskID, e.Kind, e.Reason)
}

func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskFailed
}

// ReconcileError ошибка обработки одного объявления при сверке
type ReconcileError struct {
	ItemKey string `json:"item_key"`
	Reason  string `json:"reason"`
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s: %s", e.ItemKey, e.Reason)
}

func (e *ReconcileError) Is(target error) bool {
	return target == ErrReconcile
}
