// Package schema applies the Postgres tables used by the repositories. The
// setup is explicit: deployments and tests call Migrate once, nothing is
// created lazily at runtime.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql
var migrations embed.FS

// Migrate applies every pending migration to the database identified by a
// postgres:// (or postgresql://) connection string.
func Migrate(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not apply the migrations: %w", err)
	}
	return nil
}

// Drop reverts every migration.
func Drop(dsn string) error {
	m, err := newMigrate(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert the migrations: %w", err)
	}
	return nil
}

func newMigrate(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "postgres")
	if err != nil {
		return nil, fmt.Errorf("could not read the embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toPgx5URL(dsn))
	if err != nil {
		return nil, fmt.Errorf("could not prepare the migrations: %w", err)
	}
	return m, nil
}

// toPgx5URL rewrites the scheme to the one registered by the pgx/v5
// migrate driver.
func toPgx5URL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}
