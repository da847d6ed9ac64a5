// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"

	"github.com/absmach/courier/store"
)

var _ store.MessageStore = (*MessageStore)(nil)

// Value codec markers. Values at or above the compression threshold are
// s2-compressed; the first byte says which form follows.
const (
	encRaw byte = 0x00
	encS2  byte = 0x01
)

// MessageStore implements store.MessageStore using BadgerDB.
//
// Key format:
//   - Log entry: msg/{workspace}/{channel}/{at:020d}/{id}
//   - ID index:  msgid/{workspace}/{channel}/{id} -> log entry key
//
// The zero-padded creation instant makes lexicographic key order equal to
// ordering-key order, so range reads are a straight iteration.
type MessageStore struct {
	db                *badger.DB
	maxContent        int
	compressThreshold int
}

// NewMessageStore creates a new BadgerDB message log.
func NewMessageStore(db *badger.DB, maxContentBytes, compressThreshold int) *MessageStore {
	return &MessageStore{
		db:                db,
		maxContent:        maxContentBytes,
		compressThreshold: compressThreshold,
	}
}

func logPrefix(workspace, channel string) []byte {
	return []byte("msg/" + workspace + "/" + channel + "/")
}

func logKey(workspace, channel string, key store.Key) []byte {
	return []byte(fmt.Sprintf("msg/%s/%s/%020d/%s", workspace, channel, key.At, key.ID))
}

func idKey(workspace, channel, id string) []byte {
	return []byte("msgid/" + workspace + "/" + channel + "/" + id)
}

func (m *MessageStore) encode(msg *store.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if m.compressThreshold > 0 && len(data) >= m.compressThreshold {
		return append([]byte{encS2}, s2.Encode(nil, data)...), nil
	}
	return append([]byte{encRaw}, data...), nil
}

func decode(val []byte, msg *store.Message) error {
	if len(val) == 0 {
		return fmt.Errorf("empty message value")
	}
	data := val[1:]
	if val[0] == encS2 {
		var err error
		if data, err = s2.Decode(nil, data); err != nil {
			return fmt.Errorf("failed to decompress message: %w", err)
		}
	}
	return json.Unmarshal(data, msg)
}

// Append validates and appends a message, assigning its ordering key.
func (m *MessageStore) Append(ctx context.Context, workspace, channel, author, content string) (store.Message, error) {
	if err := store.ValidateContent(content, m.maxContent); err != nil {
		return store.Message{}, err
	}

	msg := store.Message{
		ID:        uuid.NewString(),
		Workspace: workspace,
		Channel:   channel,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now(),
	}

	val, err := m.encode(&msg)
	if err != nil {
		return store.Message{}, err
	}

	lk := logKey(workspace, channel, msg.Key())
	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(lk, val); err != nil {
			return err
		}
		return txn.Set(idKey(workspace, channel, msg.ID), lk)
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %s", store.ErrUnavailable, err)
	}
	return msg, nil
}

// Update replaces a stored message's content, keeping its ordering key.
func (m *MessageStore) Update(ctx context.Context, workspace, channel, id, content string) (store.Message, error) {
	if err := store.ValidateContent(content, m.maxContent); err != nil {
		return store.Message{}, err
	}

	var msg store.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		lk, err := m.lookup(txn, workspace, channel, id)
		if err != nil {
			return err
		}
		if err := m.readAt(txn, lk, &msg); err != nil {
			return err
		}
		if msg.Deleted {
			return store.ErrNotFound
		}
		msg.Content = content
		msg.EditedAt = time.Now()
		val, err := m.encode(&msg)
		if err != nil {
			return err
		}
		return txn.Set(lk, val)
	})
	if err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

// Delete tombstones a stored message, keeping its ordering key.
func (m *MessageStore) Delete(ctx context.Context, workspace, channel, id string) (store.Message, error) {
	var msg store.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		lk, err := m.lookup(txn, workspace, channel, id)
		if err != nil {
			return err
		}
		if err := m.readAt(txn, lk, &msg); err != nil {
			return err
		}
		if msg.Deleted {
			return store.ErrNotFound
		}
		msg.Deleted = true
		msg.Content = ""
		val, err := m.encode(&msg)
		if err != nil {
			return err
		}
		return txn.Set(lk, val)
	})
	if err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

// FetchSince returns messages with key strictly greater than cursor.
func (m *MessageStore) FetchSince(ctx context.Context, workspace, channel string, cursor store.Key, limit int) ([]store.Message, error) {
	var messages []store.Message

	err := m.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(workspace, channel)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if !cursor.IsZero() {
			seek = logKey(workspace, channel, cursor)
		}
		for it.Seek(seek); it.Valid(); it.Next() {
			var msg store.Message
			if err := it.Item().Value(func(val []byte) error {
				return decode(val, &msg)
			}); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			if !msg.Key().After(cursor) {
				continue
			}
			messages = append(messages, msg)
			if limit > 0 && len(messages) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// FetchLatest returns the newest limit messages in ascending order.
func (m *MessageStore) FetchLatest(ctx context.Context, workspace, channel string, limit int) ([]store.Message, error) {
	var messages []store.Message

	err := m.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(workspace, channel)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the end of the prefix range. 0xFF sorts
		// after any printable key byte.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			var msg store.Message
			if err := it.Item().Value(func(val []byte) error {
				return decode(val, &msg)
			}); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			messages = append(messages, msg)
			if limit > 0 && len(messages) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collected newest-first; return ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (m *MessageStore) lookup(txn *badger.Txn, workspace, channel, id string) ([]byte, error) {
	item, err := txn.Get(idKey(workspace, channel, id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (m *MessageStore) readAt(txn *badger.Txn, lk []byte, msg *store.Message) error {
	item, err := txn.Get(lk)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return store.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return decode(val, msg)
	})
}
