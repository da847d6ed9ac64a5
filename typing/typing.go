// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package typing tracks who is typing in each channel. Entries live
// until stopped or expired; every membership change republishes the
// channel's full typing set so clients replace rather than merge.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Config tunes typing indicator lifetime.
type Config struct {
	// TTL is how long a typing indicator lives without a refresh.
	TTL time.Duration

	// SweepInterval is how often expired indicators are collected.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	return c
}

// PublishFunc fans a channel's full typing set out.
type PublishFunc func(ctx context.Context, workspace, channel string, users []string) error

type channelKey struct {
	workspace string
	channel   string
}

// Tracker holds per-channel typing sets with TTL expiry.
type Tracker struct {
	cfg     Config
	publish PublishFunc
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[channelKey]map[string]time.Time // user -> expiry

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tracker and starts its expiry sweep.
func New(cfg Config, publish PublishFunc, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		publish:  publish,
		logger:   logger,
		channels: make(map[channelKey]map[string]time.Time),
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Start marks the user as typing. A fresh or expired entry republishes
// the set; refreshing a live entry only extends its TTL.
func (t *Tracker) Start(ctx context.Context, workspace, channel, user string) {
	key := channelKey{workspace, channel}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.channels[key]
	if !ok {
		set = make(map[string]time.Time)
		t.channels[key] = set
	}
	expiry, present := set[user]
	live := present && expiry.After(now)
	set[user] = now.Add(t.cfg.TTL)
	if !live {
		t.publishSet(ctx, key, now)
	}
}

// Stop clears the user's typing indicator, republishing when the user
// was visible.
func (t *Tracker) Stop(ctx context.Context, workspace, channel, user string) {
	key := channelKey{workspace, channel}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.channels[key]
	if !ok {
		return
	}
	expiry, present := set[user]
	if !present {
		return
	}
	delete(set, user)
	if len(set) == 0 {
		delete(t.channels, key)
	}
	if expiry.After(now) {
		t.publishSet(ctx, key, now)
	}
}

// StopAll clears the user's indicators across channels, used when a
// connection goes away mid-typing.
func (t *Tracker) StopAll(ctx context.Context, workspace, user string, channels []string) {
	for _, channel := range channels {
		t.Stop(ctx, workspace, channel, user)
	}
}

// Active returns the channel's live typing set, sorted. Expired entries
// are filtered even before the sweep collects them.
func (t *Tracker) Active(workspace, channel string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(channelKey{workspace, channel}, time.Now())
}

// Close stops the sweep loop.
func (t *Tracker) Close() {
	close(t.done)
	t.wg.Wait()
}

func (t *Tracker) activeLocked(key channelKey, now time.Time) []string {
	set := t.channels[key]
	users := make([]string, 0, len(set))
	for user, expiry := range set {
		if expiry.After(now) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) publishSet(ctx context.Context, key channelKey, now time.Time) {
	if t.publish == nil {
		return
	}
	users := t.activeLocked(key, now)
	if err := t.publish(ctx, key.workspace, key.channel, users); err != nil {
		t.logger.Warn("typing publish failed",
			slog.String("workspace", key.workspace),
			slog.String("channel", key.channel),
			slog.String("error", err.Error()))
	}
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep drops expired entries, republishing each channel that lost one.
func (t *Tracker) sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, set := range t.channels {
		removed := false
		for user, expiry := range set {
			if !expiry.After(now) {
				delete(set, user)
				removed = true
			}
		}
		if len(set) == 0 {
			delete(t.channels, key)
		}
		if removed {
			t.publishSet(context.Background(), key, now)
		}
	}
}
