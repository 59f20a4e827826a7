package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// chainLockKey is the advisory lock id serialising history appends on
// PostgreSQL. Any constant works as long as every writer uses the same one.
const chainLockKey int64 = 0x7a11_c4a1

// dialect isolates what differs between the two supported engines.
type dialect interface {
	name() string
	driverName() string
	dsn(cfg Config) (string, error)
	// lockChain takes the history chain lock inside tx. It must be the
	// first statement of every write transaction.
	lockChain(ctx context.Context, tx *sql.Tx) error
	viewOptions() *sql.TxOptions
	rebind(query string) string
	isUniqueViolation(err error) bool
	migrate(ctx context.Context, db *sql.DB, cfg Config, logger *zap.Logger) error
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return sqliteDialect{}, nil
	case DriverPostgres:
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q (use sqlite or postgres)", driver)
}

// --- sqlite ---

type sqliteDialect struct{}

func (sqliteDialect) name() string       { return DriverSQLite }
func (sqliteDialect) driverName() string { return "sqlite" }

// dsn enables WAL so readers never block the single writer, waits on a
// busy database instead of failing, and turns on foreign keys.
func (sqliteDialect) dsn(cfg Config) (string, error) {
	if cfg.Path == "" {
		return "", errors.New("database.path is required for sqlite")
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return cfg.Path + "?" + q.Encode(), nil
}

// lockChain writes to the one-row lock table. The write takes SQLite's
// RESERVED lock, which other processes wait on through busy_timeout.
func (sqliteDialect) lockChain(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE history_chain_lock SET locked_at = ? WHERE id = 1",
		time.Now().UnixMilli())
	return err
}

func (sqliteDialect) viewOptions() *sql.TxOptions { return nil }

func (sqliteDialect) rebind(query string) string { return query }

// isUniqueViolation matches on the message; the driver reports constraint
// failures as SQLITE_CONSTRAINT text rather than a typed code.
func (sqliteDialect) isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// migrate applies the embedded schema. Every statement is idempotent, so
// this runs on every open.
func (sqliteDialect) migrate(ctx context.Context, db *sql.DB, _ Config, logger *zap.Logger) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating sqlite schema: %w", err)
	}
	logger.Info("SQLite schema up to date")
	return nil
}

// --- postgres ---

type postgresDialect struct{}

func (postgresDialect) name() string       { return DriverPostgres }
func (postgresDialect) driverName() string { return "pgx" }

func (postgresDialect) dsn(cfg Config) (string, error) {
	if cfg.URL == "" {
		return "", errors.New("database.url is required for postgres")
	}
	return cfg.URL, nil
}

func (postgresDialect) lockChain(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockKey)
	return err
}

// viewOptions gives multi-statement reads, such as a paged chain walk, one
// consistent snapshot.
func (postgresDialect) viewOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

// rebind rewrites ? placeholders to $1, $2, ...
func (postgresDialect) rebind(query string) string {
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

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// migrate runs the embedded migrations with golang-migrate. The migrate
// driver closes the connection it is given, so it gets its own *sql.DB.
func (postgresDialect) migrate(ctx context.Context, _ *sql.DB, cfg Config, logger *zap.Logger) error {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("connecting for migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No migrations to apply (database up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Applied migrations successfully", zap.Uint("version", version))
	return nil
}
