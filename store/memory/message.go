// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/courier/store"
)

var _ store.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of store.MessageStore. Each
// channel holds its log as a slice kept in ascending ordering-key order.
type MessageStore struct {
	mu         sync.RWMutex
	logs       map[string][]*store.Message // channelKey -> ascending log
	byID       map[string]*store.Message   // channelKey/id -> entry
	maxContent int
}

// NewMessageStore creates a new in-memory message log.
func NewMessageStore(maxContentBytes int) *MessageStore {
	return &MessageStore{
		logs:       make(map[string][]*store.Message),
		byID:       make(map[string]*store.Message),
		maxContent: maxContentBytes,
	}
}

func channelKey(workspace, channel string) string {
	return workspace + "/" + channel
}

// Append validates and appends a message, assigning its ordering key.
func (s *MessageStore) Append(ctx context.Context, workspace, channel, author, content string) (store.Message, error) {
	if err := store.ValidateContent(content, s.maxContent); err != nil {
		return store.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &store.Message{
		ID:        uuid.NewString(),
		Workspace: workspace,
		Channel:   channel,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now(),
	}

	ck := channelKey(workspace, channel)
	log := append(s.logs[ck], msg)
	// Appends arrive in wall-clock order under the lock; re-sort only if the
	// clock stepped backwards.
	if n := len(log); n > 1 && !log[n-1].Key().After(log[n-2].Key()) {
		sort.Slice(log, func(i, j int) bool {
			return log[j].Key().After(log[i].Key())
		})
	}
	s.logs[ck] = log
	s.byID[ck+"/"+msg.ID] = msg

	return *msg, nil
}

// Update replaces a stored message's content in place.
func (s *MessageStore) Update(ctx context.Context, workspace, channel, id, content string) (store.Message, error) {
	if err := store.ValidateContent(content, s.maxContent); err != nil {
		return store.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[channelKey(workspace, channel)+"/"+id]
	if !ok || msg.Deleted {
		return store.Message{}, store.ErrNotFound
	}
	msg.Content = content
	msg.EditedAt = time.Now()
	return *msg, nil
}

// Delete tombstones a stored message.
func (s *MessageStore) Delete(ctx context.Context, workspace, channel, id string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[channelKey(workspace, channel)+"/"+id]
	if !ok || msg.Deleted {
		return store.Message{}, store.ErrNotFound
	}
	msg.Deleted = true
	msg.Content = ""
	return *msg, nil
}

// FetchSince returns messages with key strictly greater than cursor.
func (s *MessageStore) FetchSince(ctx context.Context, workspace, channel string, cursor store.Key, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[channelKey(workspace, channel)]
	start := sort.Search(len(log), func(i int) bool {
		return log[i].Key().After(cursor)
	})

	var result []store.Message
	for i := start; i < len(log) && (limit <= 0 || len(result) < limit); i++ {
		result = append(result, *log[i])
	}
	return result, nil
}

// FetchLatest returns the newest limit messages in ascending order.
func (s *MessageStore) FetchLatest(ctx context.Context, workspace, channel string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[channelKey(workspace, channel)]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}

	var result []store.Message
	for i := start; i < len(log); i++ {
		result = append(result, *log[i])
	}
	return result, nil
}
