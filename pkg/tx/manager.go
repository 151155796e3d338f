package tx

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoScope возвращается при попытке обратиться к данным арендатора
	// вне транзакции, открытой через DoScoped
	ErrNoScope = errors.New("no tenant scope in context")
	// ErrScopeMismatch вложенный вызов DoScoped с другим арендатором
	ErrScopeMismatch = errors.New("tenant scope mismatch")
	// ErrInvalidSchema имя схемы не прошло проверку
	ErrInvalidSchema = errors.New("invalid tenant schema name")
	// ErrNoTransaction Nested вызван без внешней транзакции
	ErrNoTransaction = errors.New("no transaction in context")
)

var schemaNameRe = regexp.MustCompile(`^t_[a-f0-9_]{32,40}$`)

// ValidSchemaName проверяет, что имя схемы сгенерировано платформой
func ValidSchemaName(schema string) bool {
	return schemaNameRe.MatchString(schema)
}

type txKeyType struct{}
type scopeKeyType struct{}

var (
	txKey    = txKeyType{}
	scopeKey = scopeKeyType{}
)

// Scope описывает пространство имен арендатора, к которому привязана транзакция
type Scope struct {
	TenantID string
	Schema   string
}

// TxManager управляет жизненным циклом транзакций БД.
type TxManager interface {
	// Do выполняет fn в транзакции управляющей схемы (public).
	// Ошибка fn приводит к откату, успешное завершение к фиксации.
	// Если в контексте уже есть транзакция, fn выполняется в ней.
	Do(ctx context.Context, fn func(ctx context.Context) error) error

	// DoScoped выполняет fn в транзакции, у которой search_path
	// установлен на схему арендатора до конца транзакции.
	// Только такой контекст дает хранилищам доступ к данным арендатора.
	DoScoped(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error

	// Nested выполняет fn в точке сохранения текущей транзакции.
	// Ошибка fn откатывает только изменения, сделанные внутри fn.
	Nested(ctx context.Context, fn func(ctx context.Context) error) error
}

// pgxTxManager - реализация TxManager для pgx.
type pgxTxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager создает новый менеджер транзакций.
func NewTxManager(pool *pgxpool.Pool) TxManager {
	return &pgxTxManager{pool: pool}
}

// Do реализует метод интерфейса TxManager.
func (m *pgxTxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := GetTxFromContext(ctx); ok {
		return fn(ctx)
	}
	return m.run(ctx, nil, fn)
}

// DoScoped реализует метод интерфейса TxManager.
func (m *pgxTxManager) DoScoped(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	if !ValidSchemaName(scope.Schema) {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, scope.Schema)
	}

	if current, ok := ScopeFromContext(ctx); ok {
		if current != scope {
			return ErrScopeMismatch
		}
		if _, ok := GetTxFromContext(ctx); ok {
			return fn(ctx)
		}
	}

	return m.run(ctx, &scope, fn)
}

// Nested реализует метод интерфейса TxManager.
func (m *pgxTxManager) Nested(ctx context.Context, fn func(ctx context.Context) error) error {
	parent, ok := GetTxFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}

	// pgx реализует вложенную транзакцию через SAVEPOINT
	sp, err := parent.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint failed: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey, sp)); err != nil {
		return err
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint failed: %w", err)
	}
	return nil
}

func (m *pgxTxManager) run(ctx context.Context, scope *Scope, fn func(ctx context.Context) error) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx.Begin failed: %w", err)
	}

	// Rollback после Commit возвращает ErrTxClosed, ее игнорируем
	defer func() { _ = tx.Rollback(ctx) }()

	txCtx := context.WithValue(ctx, txKey, tx)

	if scope != nil {
		// третий аргумент true делает настройку локальной для транзакции,
		// соединение возвращается в пул без привязки к арендатору
		if _, err := tx.Exec(txCtx, "SELECT set_config('search_path', $1, true)", scope.Schema); err != nil {
			return fmt.Errorf("failed to set search_path: %w", err)
		}
		txCtx = WithScope(txCtx, *scope)
	}

	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx.Commit failed: %w", err)
	}

	return nil
}

// GetTxFromContext извлекает транзакцию из контекста.
func GetTxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}

// WithScope привязывает контекст к пространству имен арендатора
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// ScopeFromContext возвращает пространство имен, к которому привязан контекст
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(Scope)
	return scope, ok
}
