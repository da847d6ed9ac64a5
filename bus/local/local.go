// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"sync"

	"github.com/absmach/courier/bus"
)

var _ bus.Bus = (*Bus)(nil)

// Bus is the in-process fan-out backend, used when no broker is configured.
// Publish invokes the subject's handler synchronously, so delivery order is
// exactly publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]bus.Handler
	closed   bool
}

// New creates a new in-process bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]bus.Handler),
	}
}

// Publish delivers the event to the subject's handler, if any.
func (b *Bus) Publish(ctx context.Context, subject string, ev bus.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	h := b.handlers[subject]
	b.mu.RUnlock()

	if h != nil {
		h(subject, ev)
	}
	return nil
}

// Subscribe registers the handler for a subject.
func (b *Bus) Subscribe(subject string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}
	b.handlers[subject] = h
	return nil
}

// Unsubscribe drops the subject.
func (b *Bus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, subject)
	return nil
}

// Close drops all subjects.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = make(map[string]bus.Handler)
	return nil
}
