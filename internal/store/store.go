// Package store is the persistent state layer (spec component C1): tenants,
// servers, meetings, callbacks, recordings and the distributed lease. It is
// backed by PostgreSQL via jackc/pgx, chosen for its row-level locking
// (SELECT ... FOR UPDATE) and SQL-expression updates that spec.md §5 requires
// for correct concurrency.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bbblb/bbblb/internal/log"
)

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("store: not found")

// Config captures pool-level operational parameters.
type Config struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns reasonable pool defaults for a balancer replica.
func DefaultConfig() Config {
	return Config{
		MaxConns:        20,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 10 * time.Minute,
	}
}

// Store wraps a PostgreSQL connection pool and every unit of work the
// balancer runs against it.
type Store struct {
	Pool *pgxpool.Pool
}

// Open establishes the connection pool, applies the embedded schema, and
// returns a ready Store.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{Pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	log.L().Info().Msg("store: closing connection pool")
	s.Pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id        BIGSERIAL PRIMARY KEY,
	name      TEXT NOT NULL UNIQUE,
	realm     TEXT NOT NULL UNIQUE,
	secrets   JSONB NOT NULL DEFAULT '[]',
	enabled   BOOLEAN NOT NULL DEFAULT TRUE,
	overrides JSONB NOT NULL DEFAULT '[]',
	created   TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS servers (
	id        BIGSERIAL PRIMARY KEY,
	domain    TEXT NOT NULL UNIQUE,
	secret    TEXT NOT NULL,
	enabled   BOOLEAN NOT NULL DEFAULT TRUE,
	health    TEXT NOT NULL DEFAULT 'OFFLINE',
	errors    INTEGER NOT NULL DEFAULT 0,
	recover_count INTEGER NOT NULL DEFAULT 0,
	load      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created   TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS meetings (
	id          BIGSERIAL PRIMARY KEY,
	external_id TEXT NOT NULL,
	tenant_id   BIGINT NOT NULL REFERENCES tenants(id) ON DELETE RESTRICT,
	server_id   BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	internal_id TEXT,
	uuid        TEXT NOT NULL UNIQUE,
	created     TIMESTAMPTZ NOT NULL DEFAULT now(),
	modified    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant_id, external_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_meetings_internal_id ON meetings(internal_id) WHERE internal_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_meetings_server ON meetings(server_id);

CREATE TABLE IF NOT EXISTS callbacks (
	id        BIGSERIAL PRIMARY KEY,
	uuid      TEXT NOT NULL,
	type      TEXT NOT NULL,
	tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
	forward   TEXT,
	created   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_callbacks_end ON callbacks(uuid) WHERE type = 'END';
CREATE INDEX IF NOT EXISTS idx_callbacks_uuid_type ON callbacks(uuid, type);

CREATE TABLE IF NOT EXISTS recordings (
	id           BIGSERIAL PRIMARY KEY,
	record_id    TEXT NOT NULL UNIQUE,
	tenant_id    BIGINT REFERENCES tenants(id) ON DELETE SET NULL,
	external_id  TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT 'PUBLISHED',
	metadata     JSONB NOT NULL DEFAULT '{}',
	started      TIMESTAMPTZ,
	ended        TIMESTAMPTZ,
	participants INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS playback_formats (
	id           BIGSERIAL PRIMARY KEY,
	recording_id BIGINT NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
	format       TEXT NOT NULL,
	xml          TEXT NOT NULL DEFAULT '',
	UNIQUE (recording_id, format)
);

CREATE TABLE IF NOT EXISTS leases (
	name  TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	ts    TIMESTAMPTZ NOT NULL
);
`

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isNoRows reports whether err represents an empty result set.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx. The helpers in this
// package do not take it: they use s.Pool directly or take an explicit pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
