// Package postgres is the production write handler backed by a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/store"
)

const (
	upsertLatestSQL = `
		INSERT INTO chainflow_latest_state (category, partition_key, slot, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category, partition_key) DO UPDATE
		SET slot = EXCLUDED.slot, payload = EXCLUDED.payload, updated_at = now()
		WHERE chainflow_latest_state.slot < EXCLUDED.slot`

	insertEventSQL = `
		INSERT INTO chainflow_events (category, partition_key, slot, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category, partition_key, slot) DO NOTHING`

	selectLatestSQL = `
		SELECT slot, payload FROM chainflow_latest_state
		WHERE category = $1 AND partition_key = $2`

	selectEventsSQL = `
		SELECT slot, payload FROM chainflow_events
		WHERE category = $1 AND partition_key = $2
		ORDER BY slot`

	schemaSQL = `
		CREATE TABLE IF NOT EXISTS chainflow_latest_state (
			category      SMALLINT    NOT NULL,
			partition_key BYTEA       NOT NULL,
			slot          BIGINT      NOT NULL CHECK (slot >= 0),
			payload       BYTEA       NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (category, partition_key)
		);
		CREATE TABLE IF NOT EXISTS chainflow_events (
			category      SMALLINT    NOT NULL,
			partition_key BYTEA       NOT NULL,
			slot          BIGINT      NOT NULL CHECK (slot >= 0),
			payload       BYTEA       NOT NULL,
			inserted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (category, partition_key, slot)
		)`
)

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Store applies envelopes with compare-and-set upserts.
type Store struct {
	pool Pool
}

var _ store.Store = (*Store)(nil)

// Options tune Open.
type Options struct {
	TracerProvider trace.TracerProvider
	// EnsureSchema creates the bootstrap tables. Production schemas are owned
	// by migrations outside chainflow.
	EnsureSchema bool
}

// Open connects a traced pool and verifies it with a ping.
func Open(ctx context.Context, connString string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	params := []otelpgx.Option{otelpgx.WithIncludeQueryParameters()}
	if opts.TracerProvider != nil {
		params = append(params, otelpgx.WithTracerProvider(opts.TracerProvider))
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer(params...)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := New(pool)
	if opts.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func New(pool Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the bootstrap tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Apply(ctx context.Context, env envelope.Envelope) error {
	if err := store.Check(env); err != nil {
		return err
	}

	query := upsertLatestSQL
	if env.Category.AppendOnly() {
		query = insertEventSQL
	}
	payload := env.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.Exec(ctx, query, int16(env.Category), env.PartitionKey, int64(env.Slot), payload)
	return Classify(err)
}

func (s *Store) Latest(ctx context.Context, cat envelope.Category, key []byte) (store.Row, bool, error) {
	var (
		slot    int64
		payload []byte
	)
	err := s.pool.QueryRow(ctx, selectLatestSQL, int16(cat), key).Scan(&slot, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, Classify(err)
	}
	return store.Row{Category: cat, PartitionKey: key, Slot: uint64(slot), Payload: payload}, true, nil
}

func (s *Store) Events(ctx context.Context, cat envelope.Category, key []byte) ([]store.Row, error) {
	rows, err := s.pool.Query(ctx, selectEventsSQL, int16(cat), key)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		var (
			slot    int64
			payload []byte
		)
		if err := rows.Scan(&slot, &payload); err != nil {
			return nil, Classify(err)
		}
		out = append(out, store.Row{Category: cat, PartitionKey: key, Slot: uint64(slot), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// Ping checks the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Classify maps a pgx error onto the write error taxonomy. Serialization
// failures, deadlocks, lock timeouts, admin shutdowns and connection errors
// are transient; data and integrity violations are fatal. Anything else is
// transient and bounded by the retry limit.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return errspkg.Fatal(err)
		default:
			return errspkg.Transient(err)
		}
	}
	return errspkg.Transient(err)
}
