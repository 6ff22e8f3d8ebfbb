// Package schema embeds the database migrations.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator is the subset of *migrate.Migrate the CLI uses.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

// Source returns the embedded migration source.
func Source() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// MigrateURL rewrites a postgres DSN for the pgx/v5 migrate driver.
func MigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// New opens a migrator for dsn.
func New(dsn string) (Migrator, error) {
	src, err := Source()
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrateURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("open migrator: %w", err)
	}
	return m, nil
}

// IgnoreNoChange treats migrate.ErrNoChange as success.
func IgnoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// IsNilVersion reports whether err means no migration was applied yet.
func IsNilVersion(err error) bool {
	return errors.Is(err, migrate.ErrNilVersion)
}
