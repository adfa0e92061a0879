// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tgbridge/lib/sqlitepool"
)

// migrations[i] moves the schema from version i to i+1. Append only.
var migrations = []string{
	`
CREATE TABLE puppet (
	id                 INTEGER PRIMARY KEY,
	custom_mxid        TEXT NOT NULL DEFAULT '',
	access_token       TEXT NOT NULL DEFAULT '',
	displayname        TEXT NOT NULL DEFAULT '',
	displayname_source INTEGER NOT NULL DEFAULT 0,
	username           TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
	first_name         TEXT NOT NULL DEFAULT '',
	last_name          TEXT NOT NULL DEFAULT '',
	photo_id           TEXT NOT NULL DEFAULT '',
	avatar_url         TEXT NOT NULL DEFAULT '',
	is_bot             INTEGER NOT NULL DEFAULT 0,
	is_registered      INTEGER NOT NULL DEFAULT 0,
	disable_updates    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX puppet_custom_mxid ON puppet (custom_mxid) WHERE custom_mxid != '';
CREATE INDEX puppet_username ON puppet (username) WHERE username != '';
CREATE INDEX puppet_displayname ON puppet (displayname) WHERE displayname != '';

CREATE TABLE user (
	mxid            TEXT PRIMARY KEY,
	tgid            INTEGER UNIQUE,
	tg_username     TEXT NOT NULL DEFAULT '',
	tg_phone        TEXT NOT NULL DEFAULT '',
	management_room TEXT NOT NULL DEFAULT ''
);

CREATE TABLE portal (
	tgid        INTEGER NOT NULL,
	tg_receiver INTEGER NOT NULL,
	peer_type   TEXT NOT NULL,
	mxid        TEXT UNIQUE,
	title       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tgid, tg_receiver)
);

CREATE TABLE message (
	tgid     INTEGER NOT NULL,
	tg_space INTEGER NOT NULL,
	mxid     TEXT NOT NULL,
	mx_room  TEXT NOT NULL,
	PRIMARY KEY (tgid, tg_space),
	UNIQUE (mxid, mx_room)
);
`,
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Its directory must exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store is the bridge's record store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens the database and brings its schema up to date.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	version, err := pool.Migrate(ctx, migrations)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	cfg.Logger.Debug("store opened", "path", cfg.Path, "schema_version", version)

	return &Store{pool: pool, logger: cfg.Logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// execute runs one statement on a pooled connection.
func (s *Store) execute(ctx context.Context, query string, args []any, result func(stmt *sqlite.Stmt) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: result,
	})
}

// queryOne runs a query expected to return at most one row, scanning it
// with scan. Returns nil when there is no row.
func queryOne[T any](ctx context.Context, s *Store, query string, args []any, scan func(stmt *sqlite.Stmt) (*T, error)) (*T, error) {
	var found *T
	err := s.execute(ctx, query, args, func(stmt *sqlite.Stmt) error {
		record, err := scan(stmt)
		if err != nil {
			return err
		}
		found = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// queryAll runs a query and scans every row.
func queryAll[T any](ctx context.Context, s *Store, query string, args []any, scan func(stmt *sqlite.Stmt) (*T, error)) ([]*T, error) {
	var records []*T
	err := s.execute(ctx, query, args, func(stmt *sqlite.Stmt) error {
		record, err := scan(stmt)
		if err != nil {
			return err
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func boolInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

// nullableInt maps zero to SQL NULL, for UNIQUE columns where zero means
// "not set".
func nullableInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

// nullableText maps "" to SQL NULL.
func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}
