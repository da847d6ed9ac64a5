// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/absmach/courier/store"
)

var _ store.CursorStore = (*CursorStore)(nil)

// CursorStore implements store.CursorStore on the cursors table.
type CursorStore struct {
	db *sql.DB
}

// Save advances the stored cursor. The conditional upsert keeps it
// monotonic under concurrent acks.
func (s *CursorStore) Save(ctx context.Context, workspace, channel, user string, cursor store.Key) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (workspace, channel, user_id, at_nanos, message_id)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (workspace, channel, user_id) DO UPDATE
		 SET at_nanos = EXCLUDED.at_nanos, message_id = EXCLUDED.message_id
		 WHERE (cursors.at_nanos, cursors.message_id) < (EXCLUDED.at_nanos, EXCLUDED.message_id)`,
		workspace, channel, user, cursor.At, cursor.ID,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Load returns the stored cursor, or the zero Key if none was saved.
func (s *CursorStore) Load(ctx context.Context, workspace, channel, user string) (store.Key, error) {
	var cursor store.Key
	err := s.db.QueryRowContext(ctx,
		`SELECT at_nanos, message_id FROM cursors
		 WHERE workspace = $1 AND channel = $2 AND user_id = $3`,
		workspace, channel, user,
	).Scan(&cursor.At, &cursor.ID)
	if err == sql.ErrNoRows {
		return store.Key{}, nil
	}
	if err != nil {
		return store.Key{}, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}
