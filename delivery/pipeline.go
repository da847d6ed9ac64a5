// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the message delivery pipeline: membership
// gating, durable append, ordered fan-out, and catch-up on subscribe.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/server/otel"
	"github.com/absmach/courier/store"
	"github.com/absmach/courier/wire"
)

var (
	// ErrNotAMember rejects operations by users outside the channel.
	ErrNotAMember = errors.New("not a channel member")

	// ErrBusUnavailable reports that an event could not be published.
	// For sends the message is already durable when this is returned;
	// catch-up covers subscribers once the bus recovers.
	ErrBusUnavailable = errors.New("event bus unavailable")
)

// Config tunes the pipeline.
type Config struct {
	// FetchLimit bounds one catch-up page and the initial history page
	// for subscriptions without a cursor.
	FetchLimit int

	// Publish retry policy for persisted events.
	PublishAttempts   int
	PublishBackoff    time.Duration
	PublishMaxBackoff time.Duration

	// Circuit breaker guarding the bus.
	BreakerThreshold uint32
	BreakerReset     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FetchLimit <= 0 {
		c.FetchLimit = 200
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 3
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 50 * time.Millisecond
	}
	if c.PublishMaxBackoff <= 0 {
		c.PublishMaxBackoff = time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
	return c
}

// Pipeline coordinates the store, the bus, and the connection registry.
type Pipeline struct {
	cfg      Config
	store    store.Store
	bus      bus.Bus
	registry *hub.Registry
	locks    keyLock
	breaker  *gobreaker.CircuitBreaker
	metrics  *otel.Metrics // nil if metrics disabled
	logger   *slog.Logger
}

// New creates a delivery pipeline.
func New(cfg Config, s store.Store, b bus.Bus, registry *hub.Registry, metrics *otel.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:      cfg,
		store:    s,
		bus:      b,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("bus circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return p
}

// SendMessage appends a message and fans it out. The channel lock is held
// across append and publish so bus order matches append order. When the
// bus stays down past the retry budget the stored message is returned
// together with ErrBusUnavailable.
func (p *Pipeline) SendMessage(ctx context.Context, workspace, channel, author, content string) (store.Message, error) {
	if err := p.requireMember(ctx, workspace, channel, author); err != nil {
		return store.Message{}, err
	}

	subject := bus.ChannelSubject(workspace, channel)
	p.locks.Lock(subject)
	defer p.locks.Unlock(subject)

	msg, err := p.store.Messages().Append(ctx, workspace, channel, author, content)
	if err != nil {
		return store.Message{}, err
	}
	p.registry.Stats().IncrementMessagesIn()
	p.metrics.RecordMessageIn(int64(len(content)))

	ev := bus.Event{
		Kind:      bus.MessageCreated,
		Workspace: workspace,
		Channel:   channel,
		Key:       msg.Key(),
		Message:   &msg,
		At:        msg.CreatedAt,
	}
	start := time.Now()
	err = p.publishWithRetry(ctx, subject, ev)
	p.metrics.RecordPublishDuration(time.Since(start).Seconds() * 1000)
	if err != nil {
		p.metrics.RecordBusError("publish")
		p.logger.Error("message stored but not published",
			slog.String("workspace", workspace),
			slog.String("channel", channel),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return msg, err
	}
	return msg, nil
}

// EditMessage persists an edit and fans it out under the original
// ordering key.
func (p *Pipeline) EditMessage(ctx context.Context, workspace, channel, editor, id, content string) (store.Message, error) {
	if err := p.requireMember(ctx, workspace, channel, editor); err != nil {
		return store.Message{}, err
	}

	subject := bus.ChannelSubject(workspace, channel)
	p.locks.Lock(subject)
	defer p.locks.Unlock(subject)

	msg, err := p.store.Messages().Update(ctx, workspace, channel, id, content)
	if err != nil {
		return store.Message{}, err
	}
	ev := bus.Event{
		Kind:      bus.MessageEdited,
		Workspace: workspace,
		Channel:   channel,
		Key:       msg.Key(),
		Message:   &msg,
		At:        msg.EditedAt,
	}
	if err := p.publishWithRetry(ctx, subject, ev); err != nil {
		p.metrics.RecordBusError("publish")
		return msg, err
	}
	return msg, nil
}

// DeleteMessage tombstones a message and fans the deletion out under the
// original ordering key.
func (p *Pipeline) DeleteMessage(ctx context.Context, workspace, channel, requester, id string) (store.Message, error) {
	if err := p.requireMember(ctx, workspace, channel, requester); err != nil {
		return store.Message{}, err
	}

	subject := bus.ChannelSubject(workspace, channel)
	p.locks.Lock(subject)
	defer p.locks.Unlock(subject)

	msg, err := p.store.Messages().Delete(ctx, workspace, channel, id)
	if err != nil {
		return store.Message{}, err
	}
	ev := bus.Event{
		Kind:      bus.MessageDeleted,
		Workspace: workspace,
		Channel:   channel,
		Key:       msg.Key(),
		Message:   &msg,
		At:        time.Now(),
	}
	if err := p.publishWithRetry(ctx, subject, ev); err != nil {
		p.metrics.RecordBusError("publish")
		return msg, err
	}
	return msg, nil
}

// Subscribe attaches a connection to a channel and replays history. The
// connection is gated before the bus subject is wired, so an event racing
// in during replay is buffered and flushed afterwards, never dropped and
// never delivered twice. A nil or zero cursor falls back to the user's
// persisted cursor, then to a bounded page of the latest history.
func (p *Pipeline) Subscribe(ctx context.Context, conn *hub.Conn, channel string, cursor *store.Key) error {
	if err := p.requireMember(ctx, conn.Workspace, channel, conn.User); err != nil {
		return err
	}

	var since store.Key
	fromCursor := false
	if cursor != nil && !cursor.IsZero() {
		since = *cursor
		fromCursor = true
	} else {
		saved, err := p.store.Cursors().Load(ctx, conn.Workspace, channel, conn.User)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		if !saved.IsZero() {
			since = saved
			fromCursor = true
		}
	}

	// The delivered watermark floors the replay cursor: a repeated
	// subscribe for a live channel resumes after what the connection
	// already received instead of replaying it.
	if wm := conn.Cursor(channel); !wm.IsZero() && wm.After(since) {
		since = wm
		fromCursor = true
	}

	conn.BeginCatchup(channel)
	if err := p.registry.Subscribe(conn, channel); err != nil {
		conn.AbortCatchup(channel)
		return err
	}

	lastKey, replayed, err := p.replayHistory(ctx, conn, channel, since, fromCursor)
	if err != nil {
		conn.AbortCatchup(channel)
		p.registry.Unsubscribe(conn, channel)
		return err
	}
	if err := conn.FinishCatchup(channel, lastKey); err != nil {
		p.registry.Unsubscribe(conn, channel)
		return err
	}
	p.registry.Stats().IncrementCatchupReplays()
	p.metrics.RecordCatchupReplay(replayed)
	return nil
}

// Unsubscribe detaches a connection from a channel.
func (p *Pipeline) Unsubscribe(conn *hub.Conn, channel string) {
	p.registry.Unsubscribe(conn, channel)
}

// Ack advances the connection's delivered watermark and persists the
// cursor for cross-session resume. Both sides are monotonic, so a stale
// ack cannot rewind either.
func (p *Pipeline) Ack(ctx context.Context, conn *hub.Conn, channel string, cursor store.Key) error {
	conn.AdvanceCursor(channel, cursor)
	if err := p.store.Cursors().Save(ctx, conn.Workspace, channel, conn.User, cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// PublishPresence fans a presence transition out to the workspace.
func (p *Pipeline) PublishPresence(ctx context.Context, workspace, user, state string) error {
	ev := bus.Event{
		Kind:      bus.PresenceChanged,
		Workspace: workspace,
		User:      user,
		State:     state,
		At:        time.Now(),
	}
	return p.publishOnce(ctx, bus.PresenceSubject(workspace), ev)
}

// PublishTyping fans the full typing set of a channel out.
func (p *Pipeline) PublishTyping(ctx context.Context, workspace, channel string, users []string) error {
	ev := bus.Event{
		Kind:      bus.TypingChanged,
		Workspace: workspace,
		Channel:   channel,
		Users:     users,
		At:        time.Now(),
	}
	return p.publishOnce(ctx, bus.ChannelSubject(workspace, channel), ev)
}

func (p *Pipeline) requireMember(ctx context.Context, workspace, channel, user string) error {
	ok, err := p.store.Memberships().IsMember(ctx, workspace, channel, user)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user %s in %s/%s", ErrNotAMember, user, workspace, channel)
	}
	return nil
}

// replayHistory delivers stored messages to the connection in ascending
// key order and returns the highest key replayed plus the replay count.
// With a cursor it pages through everything after it; without one it
// delivers a single bounded page of the most recent history.
func (p *Pipeline) replayHistory(ctx context.Context, conn *hub.Conn, channel string, since store.Key, fromCursor bool) (store.Key, int, error) {
	if !fromCursor {
		msgs, err := p.store.Messages().FetchLatest(ctx, conn.Workspace, channel, p.cfg.FetchLimit)
		if err != nil {
			return since, 0, fmt.Errorf("fetch latest: %w", err)
		}
		lastKey, err := p.deliverHistory(conn, msgs, since)
		return lastKey, len(msgs), err
	}

	lastKey := since
	replayed := 0
	for {
		msgs, err := p.store.Messages().FetchSince(ctx, conn.Workspace, channel, lastKey, p.cfg.FetchLimit)
		if err != nil {
			return lastKey, replayed, fmt.Errorf("fetch since %s: %w", lastKey, err)
		}
		lastKey, err = p.deliverHistory(conn, msgs, lastKey)
		replayed += len(msgs)
		if err != nil {
			return lastKey, replayed, err
		}
		if len(msgs) < p.cfg.FetchLimit {
			return lastKey, replayed, nil
		}
	}
}

func (p *Pipeline) deliverHistory(conn *hub.Conn, msgs []store.Message, lastKey store.Key) (store.Key, error) {
	for _, msg := range msgs {
		frame, err := wire.Encode(wire.FrameFromMessage(msg))
		if err != nil {
			return lastKey, fmt.Errorf("encode history frame: %w", err)
		}
		if err := conn.Send(frame); err != nil {
			return lastKey, err
		}
		if k := msg.Key(); k.After(lastKey) {
			lastKey = k
		}
	}
	return lastKey, nil
}

// publishWithRetry pushes a persisted event through the breaker with
// bounded exponential backoff. The caller holds the channel lock, so
// retrying here keeps later sends to the same channel ordered behind
// this one.
func (p *Pipeline) publishWithRetry(ctx context.Context, subject string, ev bus.Event) error {
	delay := p.cfg.PublishBackoff
	var lastErr error
	for attempt := 0; attempt < p.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s", ErrBusUnavailable, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > p.cfg.PublishMaxBackoff {
				delay = p.cfg.PublishMaxBackoff
			}
		}
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.bus.Publish(ctx, subject, ev)
		})
		if err == nil {
			if attempt > 0 {
				p.logger.Debug("publish succeeded after retry",
					slog.String("subject", subject),
					slog.Int("attempt", attempt+1))
			}
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s", ErrBusUnavailable, lastErr)
}

// publishOnce pushes an ephemeral event through the breaker without
// retry. Presence and typing updates go stale faster than a retry
// would help.
func (p *Pipeline) publishOnce(ctx context.Context, subject string, ev bus.Event) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.bus.Publish(ctx, subject, ev)
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBusUnavailable, err)
	}
	return nil
}
