// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/absmach/courier/bus"
)

var _ bus.Bus = (*Bus)(nil)

// Bus is the Redis Pub/Sub fan-out backend. Every node publishes channel
// events to the deterministic subject name; each node holds one PubSub
// connection whose subject set follows local demand.
type Bus struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]bus.Handler
	closed   bool

	done chan struct{}
}

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// New connects to Redis and starts the receive loop.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	b := &Bus{
		client:   client,
		pubsub:   client.Subscribe(context.Background()),
		logger:   logger,
		handlers: make(map[string]bus.Handler),
		done:     make(chan struct{}),
	}
	go b.receive()

	return b, nil
}

// Publish hands the event to Redis for fan-out.
func (b *Bus) Publish(ctx context.Context, subject string, ev bus.Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return bus.ErrClosed
	}

	payload, err := bus.Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers the handler and adds the subject to the PubSub set.
func (b *Bus) Subscribe(subject string, h bus.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	_, existed := b.handlers[subject]
	b.handlers[subject] = h
	b.mu.Unlock()

	if existed {
		return nil
	}
	if err := b.pubsub.Subscribe(context.Background(), subject); err != nil {
		b.mu.Lock()
		delete(b.handlers, subject)
		b.mu.Unlock()
		return fmt.Errorf("redis subscribe %s: %w", subject, err)
	}
	return nil
}

// Unsubscribe drops the subject from the PubSub set.
func (b *Bus) Unsubscribe(subject string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	_, existed := b.handlers[subject]
	delete(b.handlers, subject)
	b.mu.Unlock()

	if !existed {
		return nil
	}
	if err := b.pubsub.Unsubscribe(context.Background(), subject); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by readiness probes.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the receive loop and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]bus.Handler)
	b.mu.Unlock()

	err := b.pubsub.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// receive dispatches broker messages to subject handlers until the PubSub
// connection closes. go-redis reconnects and resubscribes internally on
// transient failures.
func (b *Bus) receive() {
	defer close(b.done)

	for msg := range b.pubsub.Channel() {
		ev, err := bus.Decode([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("Dropping undecodable bus event",
				slog.String("subject", msg.Channel),
				slog.String("error", err.Error()))
			continue
		}

		b.mu.RLock()
		h := b.handlers[msg.Channel]
		b.mu.RUnlock()

		if h != nil {
			h(msg.Channel, ev)
		}
	}
}
