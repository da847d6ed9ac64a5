// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/courier/store"
)

var _ store.CursorStore = (*CursorStore)(nil)

// CursorStore implements store.CursorStore using BadgerDB.
//
// Key format: cursor/{workspace}/{channel}/{user} -> Key string encoding.
type CursorStore struct {
	db *badger.DB
}

// NewCursorStore creates a new BadgerDB cursor store.
func NewCursorStore(db *badger.DB) *CursorStore {
	return &CursorStore{db: db}
}

func cursorKey(workspace, channel, user string) []byte {
	return []byte("cursor/" + workspace + "/" + channel + "/" + user)
}

// Save advances the stored cursor; stale saves are dropped inside the
// transaction so concurrent acks keep the cursor monotonic.
func (c *CursorStore) Save(ctx context.Context, workspace, channel, user string, cursor store.Key) error {
	ck := cursorKey(workspace, channel, user)
	return c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(ck)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			var stale bool
			if err := item.Value(func(val []byte) error {
				cur, err := store.ParseKey(string(val))
				if err == nil && !cursor.After(cur) {
					stale = true
				}
				return nil
			}); err != nil {
				return err
			}
			if stale {
				return nil
			}
		}
		return txn.Set(ck, []byte(cursor.String()))
	})
}

// Load returns the stored cursor, or the zero Key if none was saved.
func (c *CursorStore) Load(ctx context.Context, workspace, channel, user string) (store.Key, error) {
	var cursor store.Key
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(workspace, channel, user))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cursor, err = store.ParseKey(string(val))
			return err
		})
	})
	return cursor, err
}
