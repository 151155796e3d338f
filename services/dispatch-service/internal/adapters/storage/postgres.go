package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation код ошибки PostgreSQL при нарушении уникальности
const pgUniqueViolation = "23505"

// Storage набор хранилищ PostgreSQL.
// Хранилища данных арендатора не держат пул: запросы идут только
// через транзакцию, открытую TxManager.DoScoped.
type Storage struct {
	pool      *pgxpool.Pool
	txManager tx.TxManager

	tenants     *TenantStorage
	tasks       *TaskStorage
	rateWindows *RateWindowStorage
	inventory   *InventoryStorage
}

var _ postgres.Port = (*Storage)(nil)

// NewPostgresStorage создает пул соединений и хранилища поверх него
func NewPostgresStorage(ctx context.Context, connectionString string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return NewPostgresStorageWithPool(ctx, pool)
}

// NewPostgresStorageWithPool создает хранилища поверх существующего пула
func NewPostgresStorageWithPool(ctx context.Context, pool *pgxpool.Pool) (*Storage, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	txManager := tx.NewTxManager(pool)

	return &Storage{
		pool:        pool,
		txManager:   txManager,
		tenants:     NewTenantStorage(pool, txManager),
		tasks:       &TaskStorage{},
		rateWindows: &RateWindowStorage{},
		inventory:   &InventoryStorage{},
	}, nil
}

// TxManager менеджер транзакций поверх пула хранилища
func (s *Storage) TxManager() tx.TxManager { return s.txManager }

func (s *Storage) Tenants() postgres.TenantRepository         { return s.tenants }
func (s *Storage) Tasks() postgres.TaskRepository             { return s.tasks }
func (s *Storage) RateWindows() postgres.RateWindowRepository { return s.rateWindows }
func (s *Storage) Inventory() postgres.InventoryRepository    { return s.inventory }

// Ping проверяет соединение с БД
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close закрывает соединение с БД
func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

type executor interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// scopedExecutor возвращает транзакцию арендатора из контекста.
// Без нее доступ к данным арендатора запрещен.
func scopedExecutor(ctx context.Context) (executor, tx.Scope, error) {
	scope, ok := tx.ScopeFromContext(ctx)
	if !ok {
		return nil, tx.Scope{}, tx.ErrNoScope
	}
	t, ok := tx.GetTxFromContext(ctx)
	if !ok {
		return nil, tx.Scope{}, tx.ErrNoScope
	}
	return t, scope, nil
}

// controlExecutor возвращает транзакцию из контекста или пул
func controlExecutor(ctx context.Context, pool *pgxpool.Pool) executor {
	if t, ok := tx.GetTxFromContext(ctx); ok {
		return t
	}
	return pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func actionsToStrings[T ~string](values []T) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}
