// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/absmach/courier/store"
)

var _ store.Store = (*Store)(nil)

// Store is the composite PostgreSQL store for deployments that keep the
// message log in the relational database the rest of the product uses.
type Store struct {
	db *sql.DB

	messages    *MessageStore
	memberships *MembershipStore
	cursors     *CursorStore
}

// Config holds PostgreSQL configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	// MaxContentBytes bounds accepted message content; <= 0 means unbounded.
	MaxContentBytes int
}

// New opens the database, verifies connectivity and ensures the schema.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 16
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:          db,
		messages:    &MessageStore{db: db, maxContent: cfg.MaxContentBytes},
		memberships: &MembershipStore{db: db},
		cursors:     &CursorStore{db: db},
	}, nil
}

// Messages returns the message log.
func (s *Store) Messages() store.MessageStore {
	return s.messages
}

// Memberships returns the membership directory.
func (s *Store) Memberships() store.MembershipStore {
	return s.memberships
}

// Cursors returns the cursor store.
func (s *Store) Cursors() store.CursorStore {
	return s.cursors
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// The ordering key lives in at_nanos/id columns; timestamps are derived from
// at_nanos on read so the key survives the round trip exactly (TIMESTAMPTZ
// only keeps microseconds).
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			workspace    TEXT NOT NULL,
			channel      TEXT NOT NULL,
			author       TEXT NOT NULL,
			content      TEXT NOT NULL,
			at_nanos     BIGINT NOT NULL,
			edited_nanos BIGINT NOT NULL DEFAULT 0,
			deleted      BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS messages_channel_order
			ON messages (workspace, channel, at_nanos, id)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			workspace TEXT NOT NULL,
			channel   TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			PRIMARY KEY (workspace, channel, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS memberships_by_user
			ON memberships (workspace, user_id)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			workspace  TEXT NOT NULL,
			channel    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			at_nanos   BIGINT NOT NULL,
			message_id TEXT NOT NULL,
			PRIMARY KEY (workspace, channel, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
