// Package database はデータベース接続とスキーママイグレーションを提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationState は適用済みスキーマのバージョン情報。
type MigrationState struct {
	Version uint
	Dirty   bool
	// Pristine はマイグレーションが1つも適用されていないことを示す。
	Pristine bool
}

// NewMigrator は埋め込みSQLをソースとするmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigrations は直近のマイグレーションをsteps件だけ巻き戻す。
func RollbackMigrations(databaseURL string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive: %d", steps)
	}
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to roll back migrations: %w", err)
		}
		return nil
	})
}

// CurrentMigration は適用済みのスキーマバージョンを返す。
func CurrentMigration(databaseURL string) (MigrationState, error) {
	var state MigrationState
	err := withMigrator(databaseURL, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			state.Pristine = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		state.Version = version
		state.Dirty = dirty
		return nil
	})
	return state, err
}

func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}
