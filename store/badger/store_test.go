// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/courier/store"
)

func setupStore(t *testing.T, cfg Config) *Store {
	cfg.Dir = t.TempDir()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestMessageStore_AppendFetchSince(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()

	var keys []store.Key
	for i := 0; i < 5; i++ {
		msg, err := s.Messages().Append(ctx, "ws", "general", "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		keys = append(keys, msg.Key())
	}

	got, err := s.Messages().FetchSince(ctx, "ws", "general", keys[1], 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m4", got[2].Content)

	got, err = s.Messages().FetchSince(ctx, "ws", "general", store.Key{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m0", got[0].Content)
	assert.Equal(t, "m1", got[1].Content)
}

func TestMessageStore_FetchLatest(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := s.Messages().Append(ctx, "ws", "general", "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	got, err := s.Messages().FetchLatest(ctx, "ws", "general", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m4", got[0].Content)
	assert.Equal(t, "m6", got[2].Content)

	got, err = s.Messages().FetchLatest(ctx, "ws", "empty", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMessageStore_CompressedValues(t *testing.T) {
	s := setupStore(t, Config{CompressThreshold: 64})
	ctx := context.Background()

	large := strings.Repeat("the same phrase over and over ", 50)
	msg, err := s.Messages().Append(ctx, "ws", "general", "alice", large)
	require.NoError(t, err)

	got, err := s.Messages().FetchSince(ctx, "ws", "general", store.Key{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, large, got[0].Content)
	assert.Equal(t, msg.ID, got[0].ID)
}

func TestMessageStore_UpdateDelete(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()

	msg, err := s.Messages().Append(ctx, "ws", "general", "alice", "original")
	require.NoError(t, err)

	edited, err := s.Messages().Update(ctx, "ws", "general", msg.ID, "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", edited.Content)
	assert.Equal(t, 0, edited.Key().Compare(msg.Key()))

	deleted, err := s.Messages().Delete(ctx, "ws", "general", msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = s.Messages().Update(ctx, "ws", "general", msg.ID, "again")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Messages().Update(ctx, "ws", "general", "missing", "x")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Tombstone remains readable for catch-up.
	got, err := s.Messages().FetchSince(ctx, "ws", "general", store.Key{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Deleted)
}

func TestMessageStore_Validation(t *testing.T) {
	s := setupStore(t, Config{MaxContentBytes: 8})
	ctx := context.Background()

	_, err := s.Messages().Append(ctx, "ws", "general", "alice", "")
	require.ErrorIs(t, err, store.ErrInvalidMessage)

	_, err = s.Messages().Append(ctx, "ws", "general", "alice", "over the limit")
	require.ErrorIs(t, err, store.ErrInvalidMessage)
}

func TestMembershipStore(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()

	ok, err := s.Memberships().IsMember(ctx, "ws", "general", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Memberships().Add(ctx, "ws", "general", "alice"))
	require.NoError(t, s.Memberships().Add(ctx, "ws", "random", "alice"))

	ok, err = s.Memberships().IsMember(ctx, "ws", "general", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	channels, err := s.Memberships().ChannelsFor(ctx, "ws", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"general", "random"}, channels)

	require.NoError(t, s.Memberships().Remove(ctx, "ws", "random", "alice"))
	channels, err = s.Memberships().ChannelsFor(ctx, "ws", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, channels)
}

func TestCursorStore_Monotonic(t *testing.T) {
	s := setupStore(t, Config{})
	ctx := context.Background()

	cur, err := s.Cursors().Load(ctx, "ws", "general", "alice")
	require.NoError(t, err)
	assert.True(t, cur.IsZero())

	require.NoError(t, s.Cursors().Save(ctx, "ws", "general", "alice", store.Key{At: 100, ID: "b"}))
	require.NoError(t, s.Cursors().Save(ctx, "ws", "general", "alice", store.Key{At: 50, ID: "a"}))

	cur, err = s.Cursors().Load(ctx, "ws", "general", "alice")
	require.NoError(t, err)
	assert.Equal(t, store.Key{At: 100, ID: "b"}, cur)
}

func TestStore_PingAndClose(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	s, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))

	// Close is idempotent.
	require.NoError(t, s.Close())
}
