// Package memory содержит хранилище в памяти с той же семантикой, что и
// PostgreSQL: изоляция данных по схемам, транзакции с откатом и точки сохранения.
// Используется в тестах сервисов и при локальном запуске без БД.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
)

type quotaKey struct {
	tenantID    string
	marketplace models.Marketplace
}

// schemaData таблицы одного арендатора
type schemaData struct {
	tasks     map[string]*models.Task
	windows   map[models.Marketplace][]time.Time
	items     map[string]*models.InventoryItem
	history   []*models.InventoryHistoryRecord
	syncState map[models.Marketplace]*models.SyncState
}

func newSchemaData() *schemaData {
	return &schemaData{
		tasks:     make(map[string]*models.Task),
		windows:   make(map[models.Marketplace][]time.Time),
		items:     make(map[string]*models.InventoryItem),
		syncState: make(map[models.Marketplace]*models.SyncState),
	}
}

func (d *schemaData) clone() *schemaData {
	c := newSchemaData()
	for id, t := range d.tasks {
		c.tasks[id] = cloneTask(t)
	}
	for mp, entries := range d.windows {
		c.windows[mp] = append([]time.Time(nil), entries...)
	}
	for id, item := range d.items {
		c.items[id] = item.Clone()
	}
	c.history = append(c.history, d.history...)
	for mp, st := range d.syncState {
		cp := *st
		c.syncState[mp] = &cp
	}
	return c
}

// Store хранилище в памяти
type Store struct {
	mu      sync.Mutex
	tenants map[string]*models.Tenant
	quotas  map[quotaKey]models.Quota
	schemas map[string]*schemaData
	txm     *TxManager
}

var _ postgres.Port = (*Store)(nil)

// NewStore создает пустое хранилище
func NewStore() *Store {
	s := &Store{
		tenants: make(map[string]*models.Tenant),
		quotas:  make(map[quotaKey]models.Quota),
		schemas: make(map[string]*schemaData),
	}
	s.txm = &TxManager{store: s}
	return s
}

// TxManager менеджер транзакций хранилища
func (s *Store) TxManager() tx.TxManager { return s.txm }

func (s *Store) Tenants() postgres.TenantRepository         { return &tenantRepo{s: s} }
func (s *Store) Tasks() postgres.TaskRepository             { return &taskRepo{s: s} }
func (s *Store) RateWindows() postgres.RateWindowRepository { return &rateWindowRepo{s: s} }
func (s *Store) Inventory() postgres.InventoryRepository    { return &inventoryRepo{s: s} }

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

// DropSchema удаляет схему арендатора, оставляя запись о нем
func (s *Store) DropSchema(schema string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schemas, schema)
}

type storeSnapshot struct {
	tenants map[string]*models.Tenant
	quotas  map[quotaKey]models.Quota
	schemas map[string]*schemaData
}

func (s *Store) snapshot() storeSnapshot {
	snap := storeSnapshot{
		tenants: make(map[string]*models.Tenant, len(s.tenants)),
		quotas:  make(map[quotaKey]models.Quota, len(s.quotas)),
		schemas: make(map[string]*schemaData, len(s.schemas)),
	}
	for id, t := range s.tenants {
		cp := *t
		snap.tenants[id] = &cp
	}
	for k, q := range s.quotas {
		snap.quotas[k] = q
	}
	for name, d := range s.schemas {
		snap.schemas[name] = d.clone()
	}
	return snap
}

func (s *Store) restore(snap storeSnapshot) {
	s.tenants = snap.tenants
	s.quotas = snap.quotas
	s.schemas = snap.schemas
}

// locked выполняет fn под блокировкой хранилища, если вызов не внутри транзакции
func (s *Store) locked(ctx context.Context, fn func() error) error {
	if inTx(ctx) {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// scoped возвращает таблицы арендатора, к которому привязана транзакция
func (s *Store) scoped(ctx context.Context) (*schemaData, tx.Scope, error) {
	scope, ok := tx.ScopeFromContext(ctx)
	if !ok || !inTx(ctx) {
		return nil, tx.Scope{}, tx.ErrNoScope
	}
	data, ok := s.schemas[scope.Schema]
	if !ok {
		return nil, tx.Scope{}, fmt.Errorf("schema %q does not exist", scope.Schema)
	}
	return data, scope, nil
}

type txMarkerKey struct{}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txMarkerKey{}).(bool)
	return v
}

// TxManager сериализует транзакции одной блокировкой и откатывает
// изменения по снимку при ошибке
type TxManager struct {
	store *Store
}

var _ tx.TxManager = (*TxManager)(nil)

// Do реализует tx.TxManager
func (m *TxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	return m.run(ctx, nil, fn)
}

// DoScoped реализует tx.TxManager
func (m *TxManager) DoScoped(ctx context.Context, scope tx.Scope, fn func(ctx context.Context) error) error {
	if !tx.ValidSchemaName(scope.Schema) {
		return fmt.Errorf("%w: %q", tx.ErrInvalidSchema, scope.Schema)
	}

	if current, ok := tx.ScopeFromContext(ctx); ok && current != scope {
		return tx.ErrScopeMismatch
	}

	if inTx(ctx) {
		return fn(tx.WithScope(ctx, scope))
	}
	return m.run(ctx, &scope, fn)
}

// Nested реализует tx.TxManager
func (m *TxManager) Nested(ctx context.Context, fn func(ctx context.Context) error) error {
	if !inTx(ctx) {
		return tx.ErrNoTransaction
	}

	snap := m.store.snapshot()
	if err := fn(ctx); err != nil {
		m.store.restore(snap)
		return err
	}
	return nil
}

func (m *TxManager) run(ctx context.Context, scope *tx.Scope, fn func(ctx context.Context) error) (err error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	snap := m.store.snapshot()
	defer func() {
		if r := recover(); r != nil {
			m.store.restore(snap)
			panic(r)
		}
	}()

	txCtx := context.WithValue(ctx, txMarkerKey{}, true)
	if scope != nil {
		txCtx = tx.WithScope(txCtx, *scope)
	}

	if err = fn(txCtx); err != nil {
		m.store.restore(snap)
		return err
	}
	return nil
}
