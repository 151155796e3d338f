package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator применяет миграции управляющей схемы.
// Таблицы арендаторов создает ProvisionTenant, а не миграции.
type Migrator struct {
	migrate *migrate.Migrate
	logger  interfaces.LoggerPort
}

// NewMigrator создает Migrator. databaseURL должен использовать схему pgx5://
func NewMigrator(databaseURL string, logger interfaces.LoggerPort) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Up применяет все новые миграции
func (m *Migrator) Up() error {
	m.logger.Info("Применение миграций")

	err := m.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("Новых миграций нет")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.migrate.Version()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	m.logger.Info("Миграции применены",
		interfaces.LogField{Key: "version", Value: version},
		interfaces.LogField{Key: "dirty", Value: dirty},
	)
	return nil
}

// Down откатывает все миграции
func (m *Migrator) Down() error {
	m.logger.Info("Откат миграций")

	err := m.migrate.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Version возвращает текущую версию миграций
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close освобождает соединения мигратора
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}
