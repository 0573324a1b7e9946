package persist

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/warden/logger"
)

// MigrationsFS holds the schema for every SQL backend, one directory each.
//
//go:embed migrations
var MigrationsFS embed.FS

// migrateUp applies all pending migrations of dialect ("sqlite" or
// "postgres") to db.
func migrateUp(db *sql.DB, dialect string) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply %s migrations: %w", dialect, err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("Persistence schema ready", "backend", dialect, "version", version, "dirty", dirty)
	}
	return nil
}

func newMigrate(db *sql.DB, dialect string) (*migrate.Migrate, error) {
	migrations, err := fs.Sub(MigrationsFS, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s migrations subdirectory: %w", dialect, err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var (
		dbDriver database.Driver
		name     string
	)
	switch dialect {
	case "sqlite":
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{})
		name = "sqlite"
	case "postgres":
		dbDriver, err = pgxv5.WithInstance(db, &pgxv5.Config{})
		name = "pgx5"
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, name, dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Debug("Migration", "msg", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrationLogger) Verbose() bool {
	return false
}
