// Package store implements the mail store: domains, users, folders, messages,
// per-user message views and flags, plus the UID and UIDVALIDITY allocators.
// It runs over database/sql with either the pgx (postgres) or modernc
// (sqlite) driver; SQL is written once against the common subset and the few
// true dialect differences are isolated behind small helpers here.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/pkg/metrics"
)

//go:embed migrations
var migrationsFS embed.FS

type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// Store owns the database handle for the mail store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	dbName  string
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var (
		dialect    Dialect
		driverName string
		dsn        string
	)

	switch cfg.Driver {
	case "postgres":
		dialect = DialectPostgres
		driverName = "pgx"
		sslMode := "disable"
		if cfg.TLSMode {
			sslMode = "require"
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
			cfg.Host, cfg.Port, cfg.Name, sslMode)
	case "sqlite":
		dialect = DialectSQLite
		driverName = "sqlite"
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// sqlite permits one writer; a single pooled connection avoids
		// SQLITE_BUSY storms and still serializes transactions correctly.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if lifetime, err := cfg.GetConnMaxLifetime(); err == nil {
			db.SetConnMaxLifetime(lifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Path
	}
	return &Store{db: db, dialect: dialect, dbName: name}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate applies all pending schema migrations for the active dialect.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := s.newMigrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrateDown reverts the given number of migrations, or all of them when
// steps is zero.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	m, err := s.newMigrator()
	if err != nil {
		return err
	}
	if steps <= 0 {
		err = m.Down()
	} else {
		err = m.Steps(-steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version and dirty state.
func (s *Store) MigrationVersion(ctx context.Context) (uint, bool, error) {
	m, err := s.newMigrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrator() (*migrate.Migrate, error) {
	var (
		drv    database.Driver
		subdir string
		err    error
	)
	switch s.dialect {
	case DialectPostgres:
		drv, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
		subdir = "postgres"
	case DialectSQLite:
		drv, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
		subdir = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations/"+subdir)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, s.dbName, drv)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// q rewrites $N placeholders for the active dialect. Queries are written in
// postgres style with placeholders in strictly increasing order and none
// repeated, so the sqlite rewrite to ? is positional and exact.
func (s *Store) q(query string) string {
	if s.dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?")
	}
	return query
}

// greatest returns the two-argument maximum function name; postgres spells it
// GREATEST, sqlite MAX.
func (s *Store) greatest() string {
	if s.dialect == DialectSQLite {
		return "MAX"
	}
	return "GREATEST"
}

// forUpdate returns the row-locking clause for read-modify-write statements.
// sqlite locks the whole database per transaction, so the clause is empty.
func (s *Store) forUpdate() string {
	if s.dialect == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// track instruments one store operation; the returned func is deferred with
// the operation's final error.
func track(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			if errors.Is(err, ErrNotFound) {
				status = "not_found"
			} else if errors.Is(err, ErrUniqueViolation) {
				status = "conflict"
			}
		}
		metrics.DBQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		metrics.DBQueriesTotal.WithLabelValues(op, status).Inc()
	}
}
