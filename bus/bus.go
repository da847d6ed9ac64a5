// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/courier/store"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Kind identifies the event variant carried on a subject.
type Kind string

// Event kinds.
const (
	MessageCreated  Kind = "message.created"
	MessageEdited   Kind = "message.edited"
	MessageDeleted  Kind = "message.deleted"
	PresenceChanged Kind = "presence.changed"
	TypingChanged   Kind = "typing.changed"
)

// Event is the unit carried on a subject. Message events carry the stored
// message and its ordering key; presence and typing events are ephemeral and
// carry no key.
type Event struct {
	Kind      Kind           `json:"kind"`
	Workspace string         `json:"workspace"`
	Channel   string         `json:"channel,omitempty"`
	Key       store.Key      `json:"key"`
	Message   *store.Message `json:"message,omitempty"`
	User      string         `json:"user,omitempty"`
	State     string         `json:"state,omitempty"`
	Users     []string       `json:"users,omitempty"`
	At        time.Time      `json:"at"`
}

// Handler consumes events delivered for a subscribed subject. Handlers must
// not block: delivery paths run them inline.
type Handler func(subject string, ev Event)

// Bus is the fan-out contract every component depends on. Publish returns
// once the event is handed to the backend, not once subscribers have
// consumed it; delivery is at-least-once per subscriber. Subscriptions carry
// no history (replay is the delivery pipeline's job, through the store).
type Bus interface {
	// Publish hands the event to the backend for fan-out to current
	// subscribers of the subject.
	Publish(ctx context.Context, subject string, ev Event) error

	// Subscribe registers the handler for a subject. Idempotent: a second
	// subscribe for the same subject replaces the handler.
	Subscribe(subject string, h Handler) error

	// Unsubscribe drops the subject. Idempotent.
	Unsubscribe(subject string) error

	// Close releases the backend. The bus must not be used afterwards.
	Close() error
}

// Encode serializes an event for a broker payload.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// Decode deserializes a broker payload.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
