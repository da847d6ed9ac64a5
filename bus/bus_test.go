// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/courier/store"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "workspace.acme.channel.general", ChannelSubject("acme", "general"))
	assert.Equal(t, "workspace.acme.presence", PresenceSubject("acme"))

	// A channel named "presence" stays on its own subject.
	assert.NotEqual(t, PresenceSubject("acme"), ChannelSubject("acme", "presence"))
}

func TestEncodeDecode_MessageEvent(t *testing.T) {
	msg := store.Message{
		ID:        "m1",
		Workspace: "acme",
		Channel:   "general",
		Author:    "alice",
		Content:   "hi there",
		CreatedAt: time.Unix(0, 1700000000000000000),
	}
	ev := Event{
		Kind:      MessageCreated,
		Workspace: "acme",
		Channel:   "general",
		Key:       msg.Key(),
		Message:   &msg,
		At:        time.Now(),
	}

	payload, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, MessageCreated, got.Kind)
	assert.Equal(t, 0, got.Key.Compare(ev.Key))
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi there", got.Message.Content)
	assert.True(t, got.Message.CreatedAt.Equal(msg.CreatedAt))
}

func TestEncodeDecode_EphemeralEvents(t *testing.T) {
	presence := Event{Kind: PresenceChanged, Workspace: "acme", User: "alice", State: "away", At: time.Now()}
	payload, err := Encode(presence)
	require.NoError(t, err)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "away", got.State)
	assert.Nil(t, got.Message)
	assert.True(t, got.Key.IsZero())

	typing := Event{Kind: TypingChanged, Workspace: "acme", Channel: "general", Users: []string{"alice", "bob"}, At: time.Now()}
	payload, err = Encode(typing)
	require.NoError(t, err)
	got, err = Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Users)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
}
