// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks per-user online state across connections and
// publishes transitions to the workspace. A user is online while any
// connection shows recent activity, away once every connection has been
// idle past the threshold, and offline after the last connection has
// been gone for the grace window.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a published presence state.
type State string

const (
	Online  State = "online"
	Away    State = "away"
	Offline State = "offline"
)

// Config tunes the presence state machine.
type Config struct {
	// AwayAfter is how long every connection must be idle before the
	// user turns away.
	AwayAfter time.Duration

	// OfflineGrace is how long after the last disconnect the user stays
	// visible before turning offline. Zero means immediately. A
	// reconnect inside the window suppresses the transition entirely.
	OfflineGrace time.Duration

	// SweepInterval is how often idle connections are checked.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.AwayAfter <= 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// PublishFunc fans a presence transition out to the workspace.
type PublishFunc func(ctx context.Context, workspace, user, state string) error

type userKey struct {
	workspace string
	user      string
}

// record carries one user's presence. Its mutex serializes transitions
// including publication, so observers never see state changes out of
// order. When nested, the tracker map lock is always taken first.
type record struct {
	mu         sync.Mutex
	conns      map[string]time.Time // connID -> last activity
	state      State
	epoch      uint64
	graceTimer *time.Timer
}

// UserPresence is one user's state for the ops API.
type UserPresence struct {
	User        string    `json:"user"`
	State       State     `json:"state"`
	Connections int       `json:"connections"`
	LastActive  time.Time `json:"last_active"`
}

// Tracker maintains presence records and publishes transitions.
type Tracker struct {
	cfg     Config
	publish PublishFunc
	logger  *slog.Logger

	mu    sync.RWMutex
	users map[userKey]*record

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tracker and starts its sweep loop.
func New(cfg Config, publish PublishFunc, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:     cfg.withDefaults(),
		publish: publish,
		logger:  logger,
		users:   make(map[userKey]*record),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Connect records a new connection for the user, cancelling any pending
// offline grace timer. The first connection publishes online.
func (t *Tracker) Connect(ctx context.Context, workspace, user, connID string) {
	key := userKey{workspace, user}
	t.mu.Lock()
	rec, ok := t.users[key]
	if !ok {
		rec = &record{conns: make(map[string]time.Time), state: Offline}
		t.users[key] = rec
	}
	t.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.epoch++
	if rec.graceTimer != nil {
		rec.graceTimer.Stop()
		rec.graceTimer = nil
	}
	rec.conns[connID] = time.Now()
	if rec.state != Online {
		rec.state = Online
		t.publishState(ctx, key, Online)
	}
}

// Disconnect drops a connection. When it was the user's last one, the
// offline transition fires after the grace window unless the user
// reconnects first.
func (t *Tracker) Disconnect(ctx context.Context, workspace, user, connID string) {
	key := userKey{workspace, user}
	t.mu.RLock()
	rec, ok := t.users[key]
	t.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	delete(rec.conns, connID)
	if len(rec.conns) > 0 || rec.state == Offline {
		return
	}
	if t.cfg.OfflineGrace <= 0 {
		rec.state = Offline
		t.publishState(ctx, key, Offline)
		return
	}
	epoch := rec.epoch
	rec.graceTimer = time.AfterFunc(t.cfg.OfflineGrace, func() {
		t.expireOffline(key, epoch)
	})
}

// Activity records client activity on a connection, flipping an away
// user back to online.
func (t *Tracker) Activity(ctx context.Context, workspace, user, connID string) {
	key := userKey{workspace, user}
	t.mu.RLock()
	rec, ok := t.users[key]
	t.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.conns[connID]; !ok {
		return
	}
	rec.conns[connID] = time.Now()
	if rec.state == Away {
		rec.state = Online
		t.publishState(ctx, key, Online)
	}
}

// StateOf returns the user's current state.
func (t *Tracker) StateOf(workspace, user string) State {
	t.mu.RLock()
	rec, ok := t.users[userKey{workspace, user}]
	t.mu.RUnlock()
	if !ok {
		return Offline
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Snapshot returns the workspace's users sorted by name.
func (t *Tracker) Snapshot(workspace string) []UserPresence {
	t.mu.RLock()
	recs := make(map[string]*record)
	for key, rec := range t.users {
		if key.workspace == workspace {
			recs[key.user] = rec
		}
	}
	t.mu.RUnlock()

	out := make([]UserPresence, 0, len(recs))
	for user, rec := range recs {
		rec.mu.Lock()
		up := UserPresence{
			User:        user,
			State:       rec.state,
			Connections: len(rec.conns),
		}
		for _, at := range rec.conns {
			if at.After(up.LastActive) {
				up.LastActive = at
			}
		}
		rec.mu.Unlock()
		out = append(out, up)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Close stops the sweep loop and cancels pending grace timers. No
// transitions are published during shutdown.
func (t *Tracker) Close() {
	close(t.done)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.users {
		rec.mu.Lock()
		if rec.graceTimer != nil {
			rec.graceTimer.Stop()
			rec.graceTimer = nil
		}
		rec.epoch++
		rec.mu.Unlock()
	}
}

// expireOffline runs when a grace timer fires. The epoch check discards
// timers that lost a race with a reconnect.
func (t *Tracker) expireOffline(key userKey, epoch uint64) {
	t.mu.RLock()
	rec, ok := t.users[key]
	t.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.epoch != epoch || len(rec.conns) > 0 || rec.state == Offline {
		return
	}
	rec.state = Offline
	rec.graceTimer = nil
	t.publishState(context.Background(), key, Offline)
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

// sweep turns users away once every connection has idled past the
// threshold, and drops records that finished their offline episode.
func (t *Tracker) sweep() {
	type entry struct {
		key userKey
		rec *record
	}
	t.mu.RLock()
	entries := make([]entry, 0, len(t.users))
	for key, rec := range t.users {
		entries = append(entries, entry{key, rec})
	}
	t.mu.RUnlock()

	cutoff := time.Now().Add(-t.cfg.AwayAfter)
	var dead []userKey
	for _, e := range entries {
		e.rec.mu.Lock()
		switch {
		case e.rec.state == Online && len(e.rec.conns) > 0:
			idle := true
			for _, at := range e.rec.conns {
				if at.After(cutoff) {
					idle = false
					break
				}
			}
			if idle {
				e.rec.state = Away
				t.publishState(context.Background(), e.key, Away)
			}
		case e.rec.state == Offline && len(e.rec.conns) == 0 && e.rec.graceTimer == nil:
			dead = append(dead, e.key)
		}
		e.rec.mu.Unlock()
	}

	if len(dead) > 0 {
		t.mu.Lock()
		for _, key := range dead {
			rec, ok := t.users[key]
			if !ok {
				continue
			}
			rec.mu.Lock()
			if rec.state == Offline && len(rec.conns) == 0 && rec.graceTimer == nil {
				delete(t.users, key)
			}
			rec.mu.Unlock()
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) publishState(ctx context.Context, key userKey, state State) {
	if t.publish == nil {
		return
	}
	if err := t.publish(ctx, key.workspace, key.user, string(state)); err != nil {
		t.logger.Warn("presence publish failed",
			slog.String("workspace", key.workspace),
			slog.String("user", key.user),
			slog.String("state", string(state)),
			slog.String("error", err.Error()))
	}
}
