// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/store"
	"github.com/absmach/courier/wire"
)

func TestDecodeCommand(t *testing.T) {
	cmd, err := wire.DecodeCommand([]byte(`{"type":"send_message","channel":"general","content":"hi","request_id":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, wire.CmdSendMessage, cmd.Type)
	assert.Equal(t, "general", cmd.Channel)
	assert.Equal(t, "hi", cmd.Content)
	assert.Equal(t, "r1", cmd.RequestID)
}

func TestDecodeCommandWithCursor(t *testing.T) {
	cmd, err := wire.DecodeCommand([]byte(`{"type":"ack","channel":"general","cursor":{"at":42,"id":"m1"}}`))
	require.NoError(t, err)
	require.NotNil(t, cmd.Cursor)
	assert.Equal(t, int64(42), cmd.Cursor.At)
	assert.Equal(t, "m1", cmd.Cursor.ID)
}

func TestDecodeCommandRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"shout","channel":"general"}`},
		{"missing channel", `{"type":"subscribe"}`},
		{"ack without cursor", `{"type":"ack","channel":"general"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := wire.DecodeCommand([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestFrameFromCreatedEvent(t *testing.T) {
	now := time.Now()
	msg := store.Message{
		ID:        "m1",
		Workspace: "acme",
		Channel:   "general",
		Author:    "alice",
		Content:   "hello",
		CreatedAt: now,
	}
	f := wire.FrameFromEvent(bus.Event{
		Kind:      bus.MessageCreated,
		Workspace: "acme",
		Channel:   "general",
		Key:       msg.Key(),
		Message:   &msg,
	})

	assert.Equal(t, "message.created", f.Type)
	assert.Equal(t, "general", f.Channel)
	require.NotNil(t, f.Key)
	assert.Equal(t, now.UnixNano(), f.Key.At)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, "alice", f.Author)
	assert.Equal(t, "hello", f.Content)
	assert.Nil(t, f.EditedAt)
}

func TestFrameFromEditedEvent(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	edited := time.Now()
	msg := store.Message{
		ID:        "m1",
		Channel:   "general",
		Author:    "alice",
		Content:   "hello again",
		CreatedAt: created,
		EditedAt:  edited,
	}
	f := wire.FrameFromEvent(bus.Event{
		Kind:    bus.MessageEdited,
		Channel: "general",
		Key:     msg.Key(),
		Message: &msg,
	})

	assert.Equal(t, "message.edited", f.Type)
	require.NotNil(t, f.Key)
	assert.Equal(t, created.UnixNano(), f.Key.At, "edits keep the original ordering key")
	require.NotNil(t, f.EditedAt)
	assert.True(t, f.EditedAt.Equal(edited))
}

func TestFrameFromPresenceEvent(t *testing.T) {
	f := wire.FrameFromEvent(bus.Event{
		Kind:      bus.PresenceChanged,
		Workspace: "acme",
		User:      "alice",
		State:     "away",
	})
	assert.Equal(t, "presence.changed", f.Type)
	assert.Equal(t, "alice", f.User)
	assert.Equal(t, "away", f.State)
	assert.Empty(t, f.Channel)
}

func TestFrameFromTypingEvent(t *testing.T) {
	f := wire.FrameFromEvent(bus.Event{
		Kind:    bus.TypingChanged,
		Channel: "general",
		Users:   []string{"alice", "bob"},
	})
	assert.Equal(t, "typing.changed", f.Type)
	assert.Equal(t, []string{"alice", "bob"}, f.Users)
}

func TestFrameFromMessageMatchesLiveDelivery(t *testing.T) {
	now := time.Now()
	msg := store.Message{
		ID:        "m1",
		Workspace: "acme",
		Channel:   "general",
		Author:    "alice",
		Content:   "hello",
		CreatedAt: now,
	}

	live := wire.FrameFromEvent(bus.Event{
		Kind:      bus.MessageCreated,
		Workspace: "acme",
		Channel:   "general",
		Key:       msg.Key(),
		Message:   &msg,
	})
	replayed := wire.FrameFromMessage(msg)

	assert.Equal(t, live, replayed)
}

func TestFrameFromMessageTombstone(t *testing.T) {
	msg := store.Message{
		ID:        "m1",
		Channel:   "general",
		Author:    "alice",
		CreatedAt: time.Now(),
		Deleted:   true,
	}
	f := wire.FrameFromMessage(msg)
	assert.Equal(t, "message.deleted", f.Type)
	assert.True(t, f.Deleted)
	assert.Empty(t, f.Content)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := wire.ErrorFrame(wire.KindNotAMember, "user bob is not a member of general", "r7")
	data, err := wire.Encode(f)
	require.NoError(t, err)

	got, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameError, got.Type)
	assert.Equal(t, wire.KindNotAMember, got.Kind)
	assert.Equal(t, "r7", got.RequestID)
}

func TestAckOK(t *testing.T) {
	f := wire.AckOK("general", store.Key{At: 9, ID: "m9"}, "r2")
	assert.Equal(t, wire.FrameAckOK, f.Type)
	require.NotNil(t, f.Key)
	assert.Equal(t, int64(9), f.Key.At)
	assert.Equal(t, "r2", f.RequestID)
}
