// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the transport-agnostic frames exchanged with clients.
// Frames are JSON; the WebSocket server carries them as text messages, but
// nothing here depends on the transport.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/store"
)

// Client->server command types.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdSendMessage = "send_message"
	CmdStartTyping = "start_typing"
	CmdStopTyping  = "stop_typing"
	CmdAck         = "ack"
)

// Server->client frame types beyond the event kinds.
const (
	FrameError = "error"
	FrameAckOK = "ack.ok"
)

// Error kinds carried in error frames.
const (
	KindValidationFailed   = "validation_failed"
	KindNotAMember         = "not_a_member"
	KindStorageUnavailable = "storage_unavailable"
	KindBusUnavailable     = "bus_unavailable"
	KindRateLimited        = "rate_limited"
	KindInternal           = "internal"
)

var validCommands = map[string]bool{
	CmdSubscribe:   true,
	CmdUnsubscribe: true,
	CmdSendMessage: true,
	CmdStartTyping: true,
	CmdStopTyping:  true,
	CmdAck:         true,
}

// Command is one client->server frame. RequestID is a client-generated
// token echoed back on error and ack frames so clients can retry failed
// sends without double-submitting.
type Command struct {
	Type      string     `json:"type"`
	Channel   string     `json:"channel,omitempty"`
	Content   string     `json:"content,omitempty"`
	Cursor    *store.Key `json:"cursor,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// DecodeCommand parses and validates a client frame.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	if !validCommands[cmd.Type] {
		return Command{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	if cmd.Channel == "" {
		return Command{}, fmt.Errorf("%s: channel is required", cmd.Type)
	}
	if cmd.Type == CmdAck && cmd.Cursor == nil {
		return Command{}, fmt.Errorf("ack: cursor is required")
	}
	return cmd, nil
}

// Frame is one server->client frame. Message events always carry their
// ordering key so clients can persist their own cursor for resume.
type Frame struct {
	Type      string     `json:"type"`
	Channel   string     `json:"channel,omitempty"`
	Key       *store.Key `json:"key,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Author    string     `json:"author,omitempty"`
	Content   string     `json:"content,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	User      string     `json:"user,omitempty"`
	State     string     `json:"state,omitempty"`
	Users     []string   `json:"users,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// Encode serializes a frame for the transport.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a server frame. Clients and tests use it.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}

// FrameFromEvent converts a bus event into its client frame. It is the
// single conversion point on the delivery path.
func FrameFromEvent(ev bus.Event) Frame {
	switch ev.Kind {
	case bus.MessageCreated, bus.MessageEdited, bus.MessageDeleted:
		key := ev.Key
		f := Frame{
			Type:    string(ev.Kind),
			Channel: ev.Channel,
			Key:     &key,
		}
		if ev.Message != nil {
			f.MessageID = ev.Message.ID
			f.Author = ev.Message.Author
			f.Content = ev.Message.Content
			f.Deleted = ev.Message.Deleted
			if !ev.Message.EditedAt.IsZero() {
				at := ev.Message.EditedAt
				f.EditedAt = &at
			}
		}
		return f
	case bus.PresenceChanged:
		return Frame{
			Type:  string(ev.Kind),
			User:  ev.User,
			State: ev.State,
		}
	case bus.TypingChanged:
		return Frame{
			Type:    string(ev.Kind),
			Channel: ev.Channel,
			Users:   ev.Users,
		}
	default:
		return Frame{Type: string(ev.Kind), Channel: ev.Channel}
	}
}

// FrameFromMessage builds the frame for a stored message during catch-up,
// matching what live delivery of the same message would produce.
func FrameFromMessage(msg store.Message) Frame {
	kind := bus.MessageCreated
	switch {
	case msg.Deleted:
		kind = bus.MessageDeleted
	case !msg.EditedAt.IsZero():
		kind = bus.MessageEdited
	}
	m := msg
	return FrameFromEvent(bus.Event{
		Kind:      kind,
		Workspace: msg.Workspace,
		Channel:   msg.Channel,
		Key:       msg.Key(),
		Message:   &m,
	})
}

// ErrorFrame builds an error frame.
func ErrorFrame(kind, detail, requestID string) Frame {
	return Frame{
		Type:      FrameError,
		Kind:      kind,
		Detail:    detail,
		RequestID: requestID,
	}
}

// AckOK builds the acknowledgement confirmation frame.
func AckOK(channel string, cursor store.Key, requestID string) Frame {
	return Frame{
		Type:      FrameAckOK,
		Channel:   channel,
		Key:       &cursor,
		RequestID: requestID,
	}
}
