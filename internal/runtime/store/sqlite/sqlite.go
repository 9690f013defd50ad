// Package sqlite is a single-node write handler for development.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/store"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS chainflow_latest_state (
		category      INTEGER NOT NULL,
		partition_key BLOB    NOT NULL,
		slot          INTEGER NOT NULL CHECK (slot >= 0),
		payload       BLOB    NOT NULL,
		updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (category, partition_key)
	);
	CREATE TABLE IF NOT EXISTS chainflow_events (
		category      INTEGER NOT NULL,
		partition_key BLOB    NOT NULL,
		slot          INTEGER NOT NULL CHECK (slot >= 0),
		payload       BLOB    NOT NULL,
		inserted_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (category, partition_key, slot)
	);
`

// Store wraps a database/sql handle on the sqlite3 driver.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens path (":memory:" for an in-memory database) with WAL and a busy
// timeout, and creates the tables when ensureSchema is set.
func Open(path string, ensureSchema bool) (*Store, error) {
	if path == "" {
		path = "chainflow.db"
	}
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if ensureSchema {
		if err := s.EnsureSchema(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// PathFromURL extracts the database path from sqlite://path.
func PathFromURL(raw string) string {
	return strings.TrimPrefix(strings.TrimPrefix(raw, "sqlite://"), "sqlite:")
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Apply(ctx context.Context, env envelope.Envelope) error {
	if err := store.Check(env); err != nil {
		return err
	}

	query := `
		INSERT INTO chainflow_latest_state (category, partition_key, slot, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (category, partition_key) DO UPDATE
		SET slot = excluded.slot, payload = excluded.payload, updated_at = CURRENT_TIMESTAMP
		WHERE chainflow_latest_state.slot < excluded.slot`
	if env.Category.AppendOnly() {
		query = `
		INSERT INTO chainflow_events (category, partition_key, slot, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (category, partition_key, slot) DO NOTHING`
	}

	_, err := s.db.ExecContext(ctx, query, int(env.Category), nonNil(env.PartitionKey), int64(env.Slot), nonNil(env.Payload))
	return Classify(err)
}

func (s *Store) Latest(ctx context.Context, cat envelope.Category, key []byte) (store.Row, bool, error) {
	var (
		slot    int64
		payload []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT slot, payload FROM chainflow_latest_state WHERE category = ? AND partition_key = ?`,
		int(cat), nonNil(key),
	).Scan(&slot, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, false, nil
	}
	if err != nil {
		return store.Row{}, false, Classify(err)
	}
	return store.Row{Category: cat, PartitionKey: key, Slot: uint64(slot), Payload: payload}, true, nil
}

func (s *Store) Events(ctx context.Context, cat envelope.Category, key []byte) ([]store.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, payload FROM chainflow_events WHERE category = ? AND partition_key = ? ORDER BY slot`,
		int(cat), nonNil(key),
	)
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

func (s *Store) Close() error {
	return s.db.Close()
}

// Classify maps sqlite3 result codes onto the write error taxonomy: busy and
// locked databases are transient, constraint violations are fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return errspkg.Fatal(err)
		}
	}
	return errspkg.Transient(err)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
