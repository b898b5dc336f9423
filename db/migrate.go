package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/maildrop/logger"
)

// MigrationsFS holds one directory of migrations per SQL dialect.
//
//go:embed migrations
var MigrationsFS embed.FS

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("MIGRATE: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

// newMigrate builds a migrate instance on its own connection, because
// closing a migrate driver closes the *sql.DB it was given.
func (db *Database) newMigrate(ctx context.Context) (*migrate.Migrate, error) {
	sqlDB, err := sql.Open(db.Driver, db.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dialect := "sqlite"
	if db.Driver == DriverPostgres {
		dialect = "postgres"
	}
	migrations, err := fs.Sub(MigrationsFS, "migrations/"+dialect)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var dbDriver database.Driver
	var driverName string
	switch db.Driver {
	case DriverPostgres:
		dbDriver, err = pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
		driverName = "pgx5"
	default:
		dbDriver, err = sqlite.WithInstance(sqlDB, &sqlite.Config{})
		driverName = "sqlite"
	}
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}

// Migrate applies ("up") or reverts ("down") all migrations.
func (db *Database) Migrate(ctx context.Context, direction string) error {
	m, err := db.newMigrate(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Info("Database: migrations applied", "direction", direction, "version", version, "dirty", dirty)
	}
	return nil
}

// MigrationVersion reports the current schema version. ok is false when no
// migration has been applied yet.
func (db *Database) MigrationVersion(ctx context.Context) (version uint, dirty bool, ok bool, err error) {
	m, err := db.newMigrate(ctx)
	if err != nil {
		return 0, false, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}
