// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/courier/store"
)

var _ store.MembershipStore = (*MembershipStore)(nil)

// MembershipStore is an in-memory implementation of store.MembershipStore.
type MembershipStore struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // channelKey -> users
	byUser  map[string]map[string]struct{} // workspace/user -> channels
}

// NewMembershipStore creates a new in-memory membership directory.
func NewMembershipStore() *MembershipStore {
	return &MembershipStore{
		members: make(map[string]map[string]struct{}),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Add makes user a member of the channel.
func (s *MembershipStore) Add(ctx context.Context, workspace, channel, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := channelKey(workspace, channel)
	if s.members[ck] == nil {
		s.members[ck] = make(map[string]struct{})
	}
	s.members[ck][user] = struct{}{}

	uk := workspace + "/" + user
	if s.byUser[uk] == nil {
		s.byUser[uk] = make(map[string]struct{})
	}
	s.byUser[uk][channel] = struct{}{}
	return nil
}

// Remove revokes the user's membership.
func (s *MembershipStore) Remove(ctx context.Context, workspace, channel, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members[channelKey(workspace, channel)], user)
	delete(s.byUser[workspace+"/"+user], channel)
	return nil
}

// IsMember reports current membership.
func (s *MembershipStore) IsMember(ctx context.Context, workspace, channel, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[channelKey(workspace, channel)][user]
	return ok, nil
}

// ChannelsFor returns the channels the user belongs to, sorted.
func (s *MembershipStore) ChannelsFor(ctx context.Context, workspace, user string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byUser[workspace+"/"+user]
	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels, nil
}
