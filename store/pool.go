// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schema creates the three tables on first connection. Timestamps are
// Unix seconds. The UNIQUE constraint on sessions is the lookup key
// (remote caller, scope): one session per caller per tenant scope.
const schema = `
CREATE TABLE IF NOT EXISTS identities (
	pubkey     TEXT PRIMARY KEY,
	privkey    TEXT NOT NULL,
	scope      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS identities_scope ON identities(scope) WHERE scope != '';

CREATE TABLE IF NOT EXISTS connect_tokens (
	token        TEXT PRIMARY KEY,
	owner_pubkey TEXT NOT NULL,
	sub_npub     TEXT NOT NULL DEFAULT '',
	scope        TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS connect_tokens_expiry ON connect_tokens(expires_at);

CREATE TABLE IF NOT EXISTS sessions (
	id            INTEGER PRIMARY KEY,
	owner_pubkey  TEXT NOT NULL,
	remote_pubkey TEXT NOT NULL,
	scope         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	UNIQUE(remote_pubkey, scope)
);
`

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// file is created if it does not exist. Use ":memory:" for an
	// in-memory database (tests only; pool size is forced to 1
	// since each in-memory connection is independent).
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Store is a pool of SQLite connections over the bunkerd database.
// Safe for concurrent use; individual connections are not, so every
// operation takes its own connection for the duration of its work.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens (creating if needed) the database and applies pragmas
// and schema to every connection. The caller must call Close when the
// store is no longer needed.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{
		pool:   pool,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Close closes all connections in the pool. Blocks until borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("store closed", "path", s.path)
	return nil
}

// take borrows a connection from the pool; the caller must put it back.
func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}

// prepareConnection applies pragmas and ensures the schema exists.
// WAL gives concurrent readers with a single writer; NORMAL sync
// survives process crashes, which is sufficient since tokens and
// sessions are re-creatable credentials, not source-of-truth data.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}
