// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/courier/store"
)

var _ store.Store = (*Store)(nil)

// Store is the composite BadgerDB store. It is the single-node durable
// backend: the message log, memberships and cursors share one database.
type Store struct {
	db *badger.DB

	messages    *MessageStore
	memberships *MembershipStore
	cursors     *CursorStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// MaxContentBytes bounds accepted message content; <= 0 means unbounded.
	MaxContentBytes int

	// CompressThreshold is the stored-value size above which values are
	// s2-compressed; <= 0 disables compression.
	CompressThreshold int

	// SyncWrites fsyncs every write. The log is the durability anchor for
	// catch-up, so it defaults to true; single-node dev setups may disable it.
	SyncWrites bool
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		messages:    NewMessageStore(db, cfg.MaxContentBytes, cfg.CompressThreshold),
		memberships: NewMembershipStore(db),
		cursors:     NewCursorStore(db),
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
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

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim if 50%+ of a value log file is garbage. An error here
			// just means no GC was needed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip the final GC: GC during close can corrupt the value log.
			return
		}
	}
}
