package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Database wraps a database/sql handle. Queries are written with "?"
// placeholders and rebound for the driver in use.
type Database struct {
	DB     *sql.DB
	Driver string

	dsn          string
	queryTimeout time.Duration
	logQueries   bool
}

// Open connects to dsn using driver ("sqlite" or "pgx") and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Database, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", consts.ErrUnsupportedDriver, driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
				sqlDB.Close()
				return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
			}
		}
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{DB: sqlDB, Driver: driver, dsn: dsn}, nil
}

// NewDatabaseFromConfig opens the configured database and applies pending
// migrations when auto_migrate is set.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	database, err := Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	timeout, err := cfg.GetQueryTimeout()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid database query_timeout: %w", err)
	}
	database.queryTimeout = timeout
	database.logQueries = cfg.Debug

	if cfg.MaxOpenConns > 0 && cfg.Driver == DriverPostgres {
		database.DB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, "up"); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info("Database: connected", "driver", cfg.Driver)
	return database, nil
}

func (db *Database) Close() error {
	if db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// Ping is used by the health endpoint.
func (db *Database) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// rebind converts "?" placeholders to "$n" for PostgreSQL.
func (db *Database) rebind(query string) string {
	if db.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func (db *Database) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !isNoRows(err) {
		status = "failure"
	}
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
	if db.logQueries {
		logger.Debug("Database: query", "operation", operation, "duration", time.Since(start), "error", err)
	}
}

// TimedQueryRow runs a single-row query, scans it into dest and records metrics.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, dest []any, query string, args ...any) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := db.DB.QueryRowContext(ctx, db.rebind(query), args...).Scan(dest...)
	db.observe(operation, start, err)
	return err
}

// TimedQuery runs a query and records metrics. The caller closes the rows.
func (db *Database) TimedQuery(ctx context.Context, operation string, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.DB.QueryContext(ctx, db.rebind(query), args...)
	db.observe(operation, start, err)
	return rows, err
}

// TimedExec runs a statement and records metrics.
func (db *Database) TimedExec(ctx context.Context, operation string, query string, args ...any) (sql.Result, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	res, err := db.DB.ExecContext(ctx, db.rebind(query), args...)
	db.observe(operation, start, err)
	return res, err
}

// Tx is a transaction that rebinds placeholders like Database does.
type Tx struct {
	tx *sql.Tx
	db *Database
}

func (db *Database) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: db}, nil
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.rebind(query), args...)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.rebind(query), args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }
