// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/absmach/courier/store"
)

var _ store.MembershipStore = (*MembershipStore)(nil)

// MembershipStore implements store.MembershipStore on the memberships table.
type MembershipStore struct {
	db *sql.DB
}

// Add makes user a member of the channel.
func (s *MembershipStore) Add(ctx context.Context, workspace, channel, user string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (workspace, channel, user_id) VALUES ($1,$2,$3)
		 ON CONFLICT DO NOTHING`,
		workspace, channel, user,
	)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// Remove revokes the user's membership.
func (s *MembershipStore) Remove(ctx context.Context, workspace, channel, user string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE workspace = $1 AND channel = $2 AND user_id = $3`,
		workspace, channel, user,
	)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// IsMember reports current membership.
func (s *MembershipStore) IsMember(ctx context.Context, workspace, channel, user string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM memberships WHERE workspace = $1 AND channel = $2 AND user_id = $3`,
		workspace, channel, user,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return true, nil
}

// ChannelsFor returns the channels the user belongs to in a workspace.
func (s *MembershipStore) ChannelsFor(ctx context.Context, workspace, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel FROM memberships WHERE workspace = $1 AND user_id = $2 ORDER BY channel`,
		workspace, user,
	)
	if err != nil {
		return nil, fmt.Errorf("channels for user: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("channels for user: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
