// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/courier/store"
)

var _ store.CursorStore = (*CursorStore)(nil)

// CursorStore is an in-memory implementation of store.CursorStore.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string]store.Key // channelKey/user -> cursor
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		cursors: make(map[string]store.Key),
	}
}

// Save advances the stored cursor; stale saves are dropped.
func (s *CursorStore) Save(ctx context.Context, workspace, channel, user string, cursor store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := channelKey(workspace, channel) + "/" + user
	if cur, ok := s.cursors[k]; ok && !cursor.After(cur) {
		return nil
	}
	s.cursors[k] = cursor
	return nil
}

// Load returns the stored cursor, or the zero Key if none was saved.
func (s *CursorStore) Load(ctx context.Context, workspace, channel, user string) (store.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cursors[channelKey(workspace, channel)+"/"+user], nil
}
