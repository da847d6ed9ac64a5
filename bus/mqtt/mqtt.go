// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/absmach/courier/bus"
)

var _ bus.Bus = (*Bus)(nil)

const opTimeout = 5 * time.Second

// Bus is the MQTT fan-out backend for deployments that already run an MQTT
// broker. Subjects are used verbatim as topics; no wildcards are involved,
// so dotted subject names are safe.
type Bus struct {
	client mqtt.Client
	qos    byte
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]bus.Handler
	closed   bool
}

// Config holds MQTT connection settings.
type Config struct {
	Broker   string // tcp://host:port
	ClientID string // prefix; a unique suffix is appended per node
	Username string
	Password string
	QoS      byte // delivery QoS for publishes and subscriptions
}

// New connects to the broker. Subscriptions are replayed on every
// (re)connect, since clean sessions drop them server-side.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "courier"
	}

	b := &Bus{
		qos:      cfg.QoS,
		logger:   logger,
		handlers: make(map[string]bus.Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opTimeout).
		SetOnConnectHandler(b.resubscribe)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = mqtt.NewClient(opts)
	tok := b.client.Connect()
	if !tok.WaitTimeout(opTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Publish hands the event to the broker, waiting for the delivery token.
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
	tok := b.client.Publish(subject, b.qos, false, payload)
	if !tok.WaitTimeout(opTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out", subject)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers the handler and subscribes the topic.
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
	if err := b.subscribe(subject); err != nil {
		b.mu.Lock()
		delete(b.handlers, subject)
		b.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops the topic.
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
	tok := b.client.Unsubscribe(subject)
	if !tok.WaitTimeout(opTimeout) {
		return fmt.Errorf("mqtt unsubscribe %s: timed out", subject)
	}
	return tok.Error()
}

// Ping reports whether the broker connection is up.
func (b *Bus) Ping(ctx context.Context) error {
	if !b.client.IsConnectionOpen() {
		return errors.New("mqtt connection down")
	}
	return nil
}

// Close disconnects from the broker.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]bus.Handler)
	b.mu.Unlock()

	b.client.Disconnect(250)
	return nil
}

func (b *Bus) subscribe(subject string) error {
	tok := b.client.Subscribe(subject, b.qos, b.dispatch)
	if !tok.WaitTimeout(opTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timed out", subject)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) dispatch(_ mqtt.Client, msg mqtt.Message) {
	ev, err := bus.Decode(msg.Payload())
	if err != nil {
		b.logger.Warn("Dropping undecodable bus event",
			slog.String("subject", msg.Topic()),
			slog.String("error", err.Error()))
		return
	}

	b.mu.RLock()
	h := b.handlers[msg.Topic()]
	b.mu.RUnlock()

	if h != nil {
		h(msg.Topic(), ev)
	}
}

// resubscribe restores the subscription set after a reconnect.
func (b *Bus) resubscribe(mqtt.Client) {
	b.mu.RLock()
	subjects := make([]string, 0, len(b.handlers))
	for subject := range b.handlers {
		subjects = append(subjects, subject)
	}
	b.mu.RUnlock()

	for _, subject := range subjects {
		if err := b.subscribe(subject); err != nil {
			b.logger.Warn("Resubscribe failed", slog.String("subject", subject),
				slog.String("error", err.Error()))
		}
	}
}
