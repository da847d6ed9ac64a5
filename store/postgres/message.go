// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/courier/store"
)

var _ store.MessageStore = (*MessageStore)(nil)

// MessageStore implements store.MessageStore on the messages table.
type MessageStore struct {
	db         *sql.DB
	maxContent int
}

const messageColumns = `id, workspace, channel, author, content, at_nanos, edited_nanos, deleted`

func scanMessage(row interface{ Scan(...any) error }) (store.Message, error) {
	var (
		msg         store.Message
		atNanos     int64
		editedNanos int64
	)
	if err := row.Scan(&msg.ID, &msg.Workspace, &msg.Channel, &msg.Author, &msg.Content, &atNanos, &editedNanos, &msg.Deleted); err != nil {
		return store.Message{}, err
	}
	msg.CreatedAt = time.Unix(0, atNanos)
	if editedNanos > 0 {
		msg.EditedAt = time.Unix(0, editedNanos)
	}
	return msg, nil
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

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO messages (id, workspace, channel, author, content, at_nanos)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.Workspace, msg.Channel, msg.Author, msg.Content, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: append message: %v", store.ErrUnavailable, err)
	}
	return msg, nil
}

// Update replaces a stored message's content, keeping its ordering key.
func (m *MessageStore) Update(ctx context.Context, workspace, channel, id, content string) (store.Message, error) {
	if err := store.ValidateContent(content, m.maxContent); err != nil {
		return store.Message{}, err
	}

	row := m.db.QueryRowContext(ctx,
		`UPDATE messages SET content = $4, edited_nanos = $5
		 WHERE workspace = $1 AND channel = $2 AND id = $3 AND NOT deleted
		 RETURNING `+messageColumns,
		workspace, channel, id, content, time.Now().UnixNano(),
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// Delete tombstones a stored message, keeping its ordering key.
func (m *MessageStore) Delete(ctx context.Context, workspace, channel, id string) (store.Message, error) {
	row := m.db.QueryRowContext(ctx,
		`UPDATE messages SET deleted = TRUE, content = ''
		 WHERE workspace = $1 AND channel = $2 AND id = $3 AND NOT deleted
		 RETURNING `+messageColumns,
		workspace, channel, id,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return store.Message{}, store.ErrNotFound
	}
	if err != nil {
		return store.Message{}, fmt.Errorf("delete message: %w", err)
	}
	return msg, nil
}

// FetchSince returns messages with key strictly greater than cursor.
func (m *MessageStore) FetchSince(ctx context.Context, workspace, channel string, cursor store.Key, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE workspace = $1 AND channel = $2 AND (at_nanos, id) > ($3, $4)
		 ORDER BY at_nanos, id
		 LIMIT $5`,
		workspace, channel, cursor.At, cursor.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch since: %w", err)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("fetch since: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// FetchLatest returns the newest limit messages in ascending order.
func (m *MessageStore) FetchLatest(ctx context.Context, workspace, channel string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE workspace = $1 AND channel = $2
		 ORDER BY at_nanos DESC, id DESC
		 LIMIT $3`,
		workspace, channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch latest: %w", err)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("fetch latest: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
