// Package store persists the ledger and its history log in SQLite or
// PostgreSQL through database/sql.
//
// Both engines share one set of queries written with ? placeholders; the
// dialect rewrites them for PostgreSQL. Store.Update is the only way to get
// a write transaction and always takes the history chain lock first.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database engine.
type Config struct {
	Driver         string
	Path           string // sqlite database file
	URL            string // postgres connection string
	MaxConnections int
}

// DB is a history.Store backed by a SQL database.
type DB struct {
	db      *sql.DB
	dialect dialect
	cfg     Config
	logger  *zap.Logger

	// writeMu keeps writers of this process queued in Go rather than in
	// the database's lock wait.
	writeMu sync.Mutex
}

var _ history.Store = (*DB)(nil)

// Open connects to the database described by cfg. It does not create the
// schema; call Migrate for that.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.name(), err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", d.name(), err)
	}

	logger = logger.Named("store")
	logger.Info("Database opened", zap.String("driver", d.name()))
	return &DB{db: db, dialect: d, cfg: cfg, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *DB) Close() error {
	return s.db.Close()
}

// Driver returns the configured engine name.
func (s *DB) Driver() string {
	return s.dialect.name()
}

// Migrate brings the schema up to date.
func (s *DB) Migrate(ctx context.Context) error {
	return s.dialect.migrate(ctx, s.db, s.cfg, s.logger)
}

// Update runs fn in a write transaction holding the history chain lock.
// fn's error rolls everything back; AfterCommit hooks run only after a
// successful commit.
func (s *DB) Update(ctx context.Context, fn func(tx history.Tx) error) error {
	t, err := s.update(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range t.afterCommit {
		hook()
	}
	return nil
}

func (s *DB) update(ctx context.Context, fn func(tx history.Tx) error) (*txn, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err := s.dialect.lockChain(ctx, sqlTx); err != nil {
		return nil, fmt.Errorf("taking history chain lock: %w", err)
	}

	t := &txn{tx: sqlTx, d: s.dialect}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return t, nil
}

// View runs fn in a read-only transaction.
func (s *DB) View(ctx context.Context, fn func(r history.Reader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.dialect.viewOptions())
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txn{tx: sqlTx, d: s.dialect})
}
