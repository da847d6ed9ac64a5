// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/store"
)

var (
	// ErrQueueFull reports that a connection's outbound queue overflowed.
	// The connection has already been marked closed when it is returned.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrConnClosed reports an operation on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// Transport is the write side of a client connection. WriteFrame and Ping
// are called from the connection's write loop only; Close may be called
// from any goroutine and must be safe to call more than once.
type Transport interface {
	WriteFrame(data []byte) error
	Ping() error
	Close() error
}

// bufferedEvent is a live event held back while a channel catches up.
type bufferedEvent struct {
	key   store.Key
	kind  bus.Kind
	frame []byte
}

// Conn is one client connection. It tracks the channels the connection
// is subscribed to, a delivered watermark per channel used to suppress
// duplicates, and a catch-up buffer that holds live events while
// history replays.
type Conn struct {
	ID        string
	User      string
	Workspace string

	mu       sync.Mutex
	channels map[string]struct{}
	cursors  map[string]store.Key
	catchup  map[string][]bufferedEvent
	closed   bool

	lastActive atomic.Int64

	out       chan []byte
	quit      chan struct{}
	closeOnce sync.Once
	transport Transport
}

// NewConn wraps a transport. queueSize bounds the outbound queue; when
// it fills the connection is evicted rather than blocking delivery.
func NewConn(id, user, workspace string, transport Transport, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Conn{
		ID:        id,
		User:      user,
		Workspace: workspace,
		channels:  make(map[string]struct{}),
		cursors:   make(map[string]store.Key),
		catchup:   make(map[string][]bufferedEvent),
		out:       make(chan []byte, queueSize),
		quit:      make(chan struct{}),
		transport: transport,
	}
	c.Touch()
	return c
}

// Touch records client activity for presence tracking.
func (c *Conn) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the most recent client activity.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Channels returns a snapshot of the connection's subscriptions.
func (c *Conn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Subscribed reports whether the connection is subscribed to channel.
func (c *Conn) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *Conn) addChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.channels[channel]; ok {
		return false
	}
	c.channels[channel] = struct{}{}
	return true
}

func (c *Conn) removeChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	delete(c.channels, channel)
	delete(c.cursors, channel)
	delete(c.catchup, channel)
	return true
}

// Cursor returns the delivered watermark for channel, zero if none.
func (c *Conn) Cursor(channel string) store.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[channel]
}

// AdvanceCursor moves the delivered watermark forward. Stale keys are
// ignored so acknowledgements arriving out of order cannot rewind it.
func (c *Conn) AdvanceCursor(channel string, key store.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key.After(c.cursors[channel]) {
		c.cursors[channel] = key
	}
}

// BeginCatchup gates live delivery for channel. Events published while
// the gate is up are buffered instead of delivered. It must be called
// before the channel's bus subscription is wired.
func (c *Conn) BeginCatchup(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchup[channel] = []bufferedEvent{}
}

// FinishCatchup lowers the gate after history replayed up to lastKey.
// Buffered creations at or before lastKey were already replayed from
// the store and are dropped; everything else is flushed in order.
func (c *Conn) FinishCatchup(channel string, lastKey store.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buffered, ok := c.catchup[channel]
	if !ok {
		return nil
	}
	delete(c.catchup, channel)
	if lastKey.After(c.cursors[channel]) {
		c.cursors[channel] = lastKey
	}
	for _, ev := range buffered {
		if ev.kind == bus.MessageCreated {
			if !ev.key.After(c.cursors[channel]) {
				continue
			}
			c.cursors[channel] = ev.key
		}
		if err := c.enqueueLocked(ev.frame); err != nil {
			return err
		}
	}
	return nil
}

// AbortCatchup drops the gate and buffer, used when history replay fails.
func (c *Conn) AbortCatchup(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.catchup, channel)
}

// Deliver hands a channel event to the connection. During catch-up it is
// buffered; otherwise creations at or below the watermark are dropped as
// duplicates. Edits and deletions reuse the original message key, so the
// watermark never applies to them.
func (c *Conn) Deliver(channel string, kind bus.Kind, key store.Key, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if buffered, ok := c.catchup[channel]; ok {
		c.catchup[channel] = append(buffered, bufferedEvent{key: key, kind: kind, frame: frame})
		return nil
	}
	if kind == bus.MessageCreated {
		if !key.After(c.cursors[channel]) {
			return nil
		}
		c.cursors[channel] = key
	}
	return c.enqueueLocked(frame)
}

// Send enqueues a frame outside channel delivery: errors, acks, presence
// and typing updates, and catch-up replay. No watermark applies.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.enqueueLocked(frame)
}

// enqueueLocked pushes a frame without blocking. A full queue means the
// client stopped reading; the connection is evicted so one slow client
// cannot stall fan-out.
func (c *Conn) enqueueLocked(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	default:
		c.markClosedLocked()
		c.transport.Close()
		return ErrQueueFull
	}
}

func (c *Conn) markClosedLocked() {
	c.closed = true
	c.closeOnce.Do(func() { close(c.quit) })
}

// Close marks the connection closed and shuts its transport down.
func (c *Conn) Close() {
	c.mu.Lock()
	c.markClosedLocked()
	c.mu.Unlock()
	c.transport.Close()
}

// Closed reports whether the connection was closed or evicted.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WriteLoop drains the outbound queue onto the transport, pinging on
// pingInterval. It returns when the connection closes or a write fails,
// closing the transport on the way out.
func (c *Conn) WriteLoop(pingInterval time.Duration) error {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.transport.Close()

	for {
		select {
		case frame := <-c.out:
			if err := c.transport.WriteFrame(frame); err != nil {
				c.Close()
				return err
			}
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				c.Close()
				return err
			}
		case <-c.quit:
			// Flush whatever was queued before close.
			for {
				select {
				case frame := <-c.out:
					if err := c.transport.WriteFrame(frame); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
