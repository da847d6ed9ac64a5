// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnavailable    = errors.New("storage unavailable")
)

// Store is the composite storage interface backing the delivery core.
// The core only consumes it; implementations live in subpackages.
type Store interface {
	// Messages returns the durable message log.
	Messages() MessageStore

	// Memberships returns the channel membership directory.
	Memberships() MembershipStore

	// Cursors returns the per-user read cursor store.
	Cursors() CursorStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the backend.
	Close() error
}

// Message is one durably stored channel message.
type Message struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	Channel   string    `json:"channel"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Key returns the message's ordering key. The key is fixed at append time;
// edits and deletes keep the original key.
func (m Message) Key() Key {
	return Key{At: m.CreatedAt.UnixNano(), ID: m.ID}
}

// MessageStore is the append-only message log with bounded range reads.
type MessageStore interface {
	// Append validates, assigns the identifier and creation instant (the
	// ordering key), and durably appends. Returns ErrInvalidMessage for
	// empty or oversized content and ErrUnavailable on backend failure.
	Append(ctx context.Context, workspace, channel, author, content string) (Message, error)

	// Update replaces the content of a stored message, keeping its
	// ordering key. Returns ErrNotFound if the message does not exist.
	Update(ctx context.Context, workspace, channel, id, content string) (Message, error)

	// Delete tombstones a stored message, keeping its ordering key.
	Delete(ctx context.Context, workspace, channel, id string) (Message, error)

	// FetchSince returns messages with ordering key strictly greater than
	// cursor, ascending, at most limit. A zero cursor reads from the
	// beginning of the channel.
	FetchSince(ctx context.Context, workspace, channel string, cursor Key, limit int) ([]Message, error)

	// FetchLatest returns the most recent limit messages in ascending
	// order. Used as the bounded initial page for fresh subscriptions.
	FetchLatest(ctx context.Context, workspace, channel string, limit int) ([]Message, error)
}

// MembershipStore answers who belongs to which channel. The delivery core
// only reads it; writes come from the control plane and tests.
type MembershipStore interface {
	// Add makes user a member of the channel.
	Add(ctx context.Context, workspace, channel, user string) error

	// Remove revokes the user's membership.
	Remove(ctx context.Context, workspace, channel, user string) error

	// IsMember reports current membership.
	IsMember(ctx context.Context, workspace, channel, user string) (bool, error)

	// ChannelsFor returns the channels the user belongs to in a workspace.
	ChannelsFor(ctx context.Context, workspace, user string) ([]string, error)
}

// CursorStore persists per-user-per-channel read watermarks so a client can
// resume across sessions.
type CursorStore interface {
	// Save advances the stored cursor. Saves that do not advance it are
	// dropped, keeping the cursor monotonic.
	Save(ctx context.Context, workspace, channel, user string, cursor Key) error

	// Load returns the stored cursor, or the zero Key if none was saved.
	Load(ctx context.Context, workspace, channel, user string) (Key, error)
}

// ValidateContent rejects content the message log must not accept.
// maxBytes <= 0 means no size bound.
func ValidateContent(content string, maxBytes int) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty content: %w", ErrInvalidMessage)
	}
	if maxBytes > 0 && len(content) > maxBytes {
		return fmt.Errorf("content exceeds %d bytes: %w", maxBytes, ErrInvalidMessage)
	}
	return nil
}
