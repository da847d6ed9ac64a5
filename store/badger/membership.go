// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/courier/store"
)

var _ store.MembershipStore = (*MembershipStore)(nil)

// MembershipStore implements store.MembershipStore using BadgerDB.
//
// Key format:
//   - Forward: member/{workspace}/{channel}/{user}
//   - Reverse: userch/{workspace}/{user}/{channel}
//
// The reverse index serves ChannelsFor without scanning every channel.
type MembershipStore struct {
	db *badger.DB
}

// NewMembershipStore creates a new BadgerDB membership directory.
func NewMembershipStore(db *badger.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

func memberKey(workspace, channel, user string) []byte {
	return []byte("member/" + workspace + "/" + channel + "/" + user)
}

func userChannelKey(workspace, user, channel string) []byte {
	return []byte("userch/" + workspace + "/" + user + "/" + channel)
}

// Add makes user a member of the channel.
func (m *MembershipStore) Add(ctx context.Context, workspace, channel, user string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(memberKey(workspace, channel, user), []byte{1}); err != nil {
			return err
		}
		return txn.Set(userChannelKey(workspace, user, channel), []byte{1})
	})
}

// Remove revokes the user's membership.
func (m *MembershipStore) Remove(ctx context.Context, workspace, channel, user string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(memberKey(workspace, channel, user)); err != nil {
			return err
		}
		return txn.Delete(userChannelKey(workspace, user, channel))
	})
}

// IsMember reports current membership.
func (m *MembershipStore) IsMember(ctx context.Context, workspace, channel, user string) (bool, error) {
	var ok bool
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(workspace, channel, user))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// ChannelsFor returns the channels the user belongs to in a workspace.
func (m *MembershipStore) ChannelsFor(ctx context.Context, workspace, user string) ([]string, error) {
	prefix := "userch/" + workspace + "/" + user + "/"

	var channels []string
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			channels = append(channels, strings.TrimPrefix(key, prefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channels, nil
}
