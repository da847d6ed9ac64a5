// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/courier/store"
)

// Runs only against a live database:
//
//	COURIER_POSTGRES_TEST_DSN="postgres://..." go test ./store/postgres
func setupStore(t *testing.T) *Store {
	dsn := os.Getenv("COURIER_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("COURIER_POSTGRES_TEST_DSN not set")
	}
	s, err := New(Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestStore_Contract(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ws := fmt.Sprintf("ws-%d", os.Getpid())

	var keys []store.Key
	for i := 0; i < 5; i++ {
		msg, err := s.Messages().Append(ctx, ws, "general", "alice", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		keys = append(keys, msg.Key())
	}

	got, err := s.Messages().FetchSince(ctx, ws, "general", keys[1], 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)

	latest, err := s.Messages().FetchLatest(ctx, ws, "general", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "m3", latest[0].Content)
	assert.Equal(t, "m4", latest[1].Content)

	require.NoError(t, s.Memberships().Add(ctx, ws, "general", "alice"))
	ok, err := s.Memberships().IsMember(ctx, ws, "general", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Cursors().Save(ctx, ws, "general", "alice", keys[3]))
	require.NoError(t, s.Cursors().Save(ctx, ws, "general", "alice", keys[1]))
	cur, err := s.Cursors().Load(ctx, ws, "general", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Compare(keys[3]))
}
