// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hub tracks live client connections and routes bus events to
// them. The registry keeps a sharded connection table plus a reverse
// index from bus subject to the local connections subscribed to it, and
// lazily wires bus subscriptions as subjects gain and lose their first
// and last local subscriber.
package hub

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/server/otel"
	"github.com/absmach/courier/wire"
)

// ErrDuplicateConnection reports a second registration under an ID that
// is still live.
var ErrDuplicateConnection = errors.New("duplicate connection id")

const numShards = 64

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

type subjectShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Conn
}

// Registry routes fan-out events to local connections.
type Registry struct {
	shards   [numShards]*connShard
	subjects [numShards]*subjectShard

	// subsMu guards the subject refcounts and is held across bus
	// subscribe calls. It is never taken on the delivery path, so
	// event dispatch cannot deadlock against subscription churn.
	subsMu sync.Mutex
	refs   map[string]int

	bus     bus.Bus
	stats   *Stats
	metrics *otel.Metrics // nil if metrics disabled
	logger  *slog.Logger
}

// New creates a registry backed by the given bus.
func New(b bus.Bus, stats *Stats, metrics *otel.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	r := &Registry{
		refs:    make(map[string]int),
		bus:     b,
		stats:   stats,
		metrics: metrics,
		logger:  logger,
	}
	for i := range r.shards {
		r.shards[i] = &connShard{conns: make(map[string]*Conn)}
		r.subjects[i] = &subjectShard{subs: make(map[string]map[string]*Conn)}
	}
	return r
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numShards
}

func (r *Registry) connShardFor(id string) *connShard {
	return r.shards[shardIndex(id)]
}

func (r *Registry) subjectShardFor(subject string) *subjectShard {
	return r.subjects[shardIndex(subject)]
}

// Stats exposes the registry's counters.
func (r *Registry) Stats() *Stats {
	return r.stats
}

// Register adds a connection and wires it to its workspace presence
// subject so presence updates reach every connection immediately.
func (r *Registry) Register(conn *Conn) error {
	shard := r.connShardFor(conn.ID)
	shard.mu.Lock()
	if _, ok := shard.conns[conn.ID]; ok {
		shard.mu.Unlock()
		return ErrDuplicateConnection
	}
	shard.conns[conn.ID] = conn
	shard.mu.Unlock()

	subject := bus.PresenceSubject(conn.Workspace)
	if err := r.retain(subject); err != nil {
		shard.mu.Lock()
		delete(shard.conns, conn.ID)
		shard.mu.Unlock()
		return fmt.Errorf("register %s: %w", conn.ID, err)
	}
	r.indexAdd(subject, conn)

	r.stats.IncrementConnections()
	r.metrics.RecordConnection()
	r.logger.Debug("connection registered", "conn_id", conn.ID, "user", conn.User, "workspace", conn.Workspace)
	return nil
}

// Deregister removes a connection, tearing down its subscriptions and
// closing it. It reports whether the connection was present.
func (r *Registry) Deregister(id string) (*Conn, bool) {
	shard := r.connShardFor(id)
	shard.mu.Lock()
	conn, ok := shard.conns[id]
	if !ok {
		shard.mu.Unlock()
		return nil, false
	}
	delete(shard.conns, id)
	shard.mu.Unlock()

	for _, channel := range conn.Channels() {
		conn.removeChannel(channel)
		subject := bus.ChannelSubject(conn.Workspace, channel)
		r.indexRemove(subject, conn.ID)
		r.release(subject)
		r.stats.DecrementSubscriptions()
		r.metrics.RecordUnsubscription()
	}
	presence := bus.PresenceSubject(conn.Workspace)
	r.indexRemove(presence, conn.ID)
	r.release(presence)

	conn.Close()
	r.stats.DecrementConnections()
	r.metrics.RecordDisconnection()
	r.logger.Debug("connection deregistered", "conn_id", id)
	return conn, true
}

// Subscribe attaches a connection to a channel's fan-out subject. The
// bus subscription is wired before the connection joins the index, so a
// successful return means events for the channel are flowing.
func (r *Registry) Subscribe(conn *Conn, channel string) error {
	if !conn.addChannel(channel) {
		if conn.Closed() {
			return ErrConnClosed
		}
		return nil
	}

	subject := bus.ChannelSubject(conn.Workspace, channel)
	if err := r.retain(subject); err != nil {
		conn.removeChannel(channel)
		return fmt.Errorf("subscribe %s to %s: %w", conn.ID, channel, err)
	}
	r.indexAdd(subject, conn)
	r.stats.IncrementSubscriptions()
	r.metrics.RecordSubscription()
	return nil
}

// Unsubscribe detaches a connection from a channel.
func (r *Registry) Unsubscribe(conn *Conn, channel string) {
	if !conn.removeChannel(channel) {
		return
	}
	subject := bus.ChannelSubject(conn.Workspace, channel)
	r.indexRemove(subject, conn.ID)
	r.release(subject)
	r.stats.DecrementSubscriptions()
	r.metrics.RecordUnsubscription()
}

// retain bumps a subject's refcount, subscribing on the bus when the
// subject gains its first local subscriber.
func (r *Registry) retain(subject string) error {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.refs[subject]++
	if r.refs[subject] == 1 {
		if err := r.bus.Subscribe(subject, r.DeliverLocal); err != nil {
			delete(r.refs, subject)
			return err
		}
	}
	return nil
}

// release drops a subject's refcount, unsubscribing from the bus when
// the last local subscriber leaves.
func (r *Registry) release(subject string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if r.refs[subject] == 0 {
		return
	}
	r.refs[subject]--
	if r.refs[subject] == 0 {
		delete(r.refs, subject)
		if err := r.bus.Unsubscribe(subject); err != nil {
			r.logger.Warn("bus unsubscribe failed", "subject", subject, "error", err)
		}
	}
}

func (r *Registry) indexAdd(subject string, conn *Conn) {
	shard := r.subjectShardFor(subject)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	set, ok := shard.subs[subject]
	if !ok {
		set = make(map[string]*Conn)
		shard.subs[subject] = set
	}
	set[conn.ID] = conn
}

func (r *Registry) indexRemove(subject, connID string) {
	shard := r.subjectShardFor(subject)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	set, ok := shard.subs[subject]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(shard.subs, subject)
	}
}

// DeliverLocal is the bus handler: it fans one event out to every local
// connection on the subject. The frame is encoded once per event, not
// per connection. Overflowing connections are evicted by Deliver; their
// teardown completes when the server's read loop observes the closed
// transport and deregisters them.
func (r *Registry) DeliverLocal(subject string, ev bus.Event) {
	frame, err := wire.Encode(wire.FrameFromEvent(ev))
	if err != nil {
		r.logger.Error("encode event", "subject", subject, "kind", ev.Kind, "error", err)
		return
	}

	shard := r.subjectShardFor(subject)
	shard.mu.RLock()
	set := shard.subs[subject]
	conns := make([]*Conn, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	shard.mu.RUnlock()

	for _, conn := range conns {
		// Routing follows the event kind, not the subject name: message
		// events on a channel that happens to be called "presence" still
		// pass the watermark and catch-up gate.
		var err error
		if ev.Kind == bus.PresenceChanged {
			err = conn.Send(frame)
		} else {
			err = conn.Deliver(ev.Channel, ev.Kind, ev.Key, frame)
		}
		switch {
		case err == nil:
			r.stats.IncrementEventsDelivered()
			r.metrics.RecordEventDelivered(string(ev.Kind))
		case errors.Is(err, ErrQueueFull):
			r.stats.IncrementQueueOverflows()
			r.metrics.RecordQueueOverflow()
			r.logger.Warn("evicting slow consumer", "conn_id", conn.ID, "subject", subject)
		case errors.Is(err, ErrConnClosed):
			r.stats.IncrementEventsDropped()
			r.metrics.RecordEventDropped(string(ev.Kind))
		}
	}
}

// Get looks a connection up by ID.
func (r *Registry) Get(id string) (*Conn, bool) {
	shard := r.connShardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	conn, ok := shard.conns[id]
	return conn, ok
}

// ForEach visits every registered connection.
func (r *Registry) ForEach(fn func(*Conn)) {
	for _, shard := range r.shards {
		shard.mu.RLock()
		conns := make([]*Conn, 0, len(shard.conns))
		for _, conn := range shard.conns {
			conns = append(conns, conn)
		}
		shard.mu.RUnlock()
		for _, conn := range conns {
			fn(conn)
		}
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		n += len(shard.conns)
		shard.mu.RUnlock()
	}
	return n
}

// Close force-closes every registered connection during shutdown.
func (r *Registry) Close() {
	r.ForEach(func(conn *Conn) {
		conn.Close()
	})
}
