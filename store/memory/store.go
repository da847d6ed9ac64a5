// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"

	"github.com/absmach/courier/store"
)

var _ store.Store = (*Store)(nil)

// Store is the composite in-memory store. It backs tests and single-node
// development; nothing survives a restart.
type Store struct {
	messages    *MessageStore
	memberships *MembershipStore
	cursors     *CursorStore
}

// New creates a new in-memory store. maxContentBytes bounds accepted
// message content; <= 0 means unbounded.
func New(maxContentBytes int) *Store {
	return &Store{
		messages:    NewMessageStore(maxContentBytes),
		memberships: NewMembershipStore(),
		cursors:     NewCursorStore(),
	}
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

// Ping always succeeds for the in-memory backend.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
