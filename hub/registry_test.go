// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/bus/local"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/store"
	"github.com/absmach/courier/wire"
)

// spyBus counts subscription churn on top of the in-process bus.
type spyBus struct {
	*local.Bus
	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
}

func newSpyBus() *spyBus {
	return &spyBus{
		Bus:          local.New(),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (b *spyBus) Subscribe(subject string, h bus.Handler) error {
	b.mu.Lock()
	b.subscribes[subject]++
	b.mu.Unlock()
	return b.Bus.Subscribe(subject, h)
}

func (b *spyBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	b.unsubscribes[subject]++
	b.mu.Unlock()
	return b.Bus.Unsubscribe(subject)
}

func (b *spyBus) counts(subject string) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[subject], b.unsubscribes[subject]
}

func newConn(id, user, workspace string) (*hub.Conn, *fakeTransport) {
	tr := &fakeTransport{}
	return hub.NewConn(id, user, workspace, tr, 64), tr
}

func drain(t *testing.T, conn *hub.Conn, tr *fakeTransport, want int) []wire.Frame {
	t.Helper()
	conn.Close()
	require.NoError(t, conn.WriteLoop(time.Hour))
	raw := tr.Frames()
	require.Len(t, raw, want)
	frames := make([]wire.Frame, len(raw))
	for i, data := range raw {
		f, err := wire.DecodeFrame([]byte(data))
		require.NoError(t, err)
		frames[i] = f
	}
	return frames
}

func createdEvent(workspace, channel, id string, at int64) bus.Event {
	msg := &store.Message{
		ID:        id,
		Workspace: workspace,
		Channel:   channel,
		Author:    "alice",
		Content:   "hello " + id,
		CreatedAt: time.Unix(0, at),
	}
	return bus.Event{
		Kind:      bus.MessageCreated,
		Workspace: workspace,
		Channel:   channel,
		Key:       msg.Key(),
		Message:   msg,
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := hub.New(newSpyBus(), nil, nil, nil)
	conn, _ := newConn("c1", "alice", "acme")
	require.NoError(t, r.Register(conn))

	dup, _ := newConn("c1", "bob", "acme")
	require.ErrorIs(t, r.Register(dup), hub.ErrDuplicateConnection)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterWiresPresenceSubject(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	c1, _ := newConn("c1", "alice", "acme")
	c2, _ := newConn("c2", "bob", "acme")
	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(c2))

	subs, _ := b.counts(bus.PresenceSubject("acme"))
	assert.Equal(t, 1, subs, "one bus subscription covers all local workspace connections")

	r.Deregister("c1")
	_, unsubs := b.counts(bus.PresenceSubject("acme"))
	assert.Equal(t, 0, unsubs)

	r.Deregister("c2")
	_, unsubs = b.counts(bus.PresenceSubject("acme"))
	assert.Equal(t, 1, unsubs, "last connection out releases the subject")
}

func TestSubscribeIsLazyPerSubject(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	c1, _ := newConn("c1", "alice", "acme")
	c2, _ := newConn("c2", "bob", "acme")
	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(c2))

	require.NoError(t, r.Subscribe(c1, "general"))
	require.NoError(t, r.Subscribe(c2, "general"))
	require.NoError(t, r.Subscribe(c1, "general"), "resubscribe is a no-op")

	subject := bus.ChannelSubject("acme", "general")
	subs, _ := b.counts(subject)
	assert.Equal(t, 1, subs)

	r.Unsubscribe(c1, "general")
	_, unsubs := b.counts(subject)
	assert.Equal(t, 0, unsubs)

	r.Unsubscribe(c2, "general")
	_, unsubs = b.counts(subject)
	assert.Equal(t, 1, unsubs)
}

func TestFanOutReachesChannelSubscribers(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	c1, tr1 := newConn("c1", "alice", "acme")
	c2, tr2 := newConn("c2", "bob", "acme")
	c3, tr3 := newConn("c3", "carol", "acme")
	for _, c := range []*hub.Conn{c1, c2, c3} {
		require.NoError(t, r.Register(c))
	}
	require.NoError(t, r.Subscribe(c1, "general"))
	require.NoError(t, r.Subscribe(c2, "general"))
	require.NoError(t, r.Subscribe(c3, "random"))

	ev := createdEvent("acme", "general", "m1", 100)
	require.NoError(t, b.Publish(context.Background(), bus.ChannelSubject("acme", "general"), ev))

	for _, sub := range []struct {
		conn *hub.Conn
		tr   *fakeTransport
	}{{c1, tr1}, {c2, tr2}} {
		frames := drain(t, sub.conn, sub.tr, 1)
		assert.Equal(t, "message.created", frames[0].Type)
		assert.Equal(t, "general", frames[0].Channel)
		assert.Equal(t, "m1", frames[0].MessageID)
	}
	drain(t, c3, tr3, 0)
}

func TestPresenceReachesWholeWorkspace(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	c1, tr1 := newConn("c1", "alice", "acme")
	c2, tr2 := newConn("c2", "bob", "acme")
	other, otherTr := newConn("c3", "eve", "globex")
	for _, c := range []*hub.Conn{c1, c2, other} {
		require.NoError(t, r.Register(c))
	}

	ev := bus.Event{
		Kind:      bus.PresenceChanged,
		Workspace: "acme",
		User:      "alice",
		State:     "online",
	}
	require.NoError(t, b.Publish(context.Background(), bus.PresenceSubject("acme"), ev))

	for _, sub := range []struct {
		conn *hub.Conn
		tr   *fakeTransport
	}{{c1, tr1}, {c2, tr2}} {
		frames := drain(t, sub.conn, sub.tr, 1)
		assert.Equal(t, "presence.changed", frames[0].Type)
		assert.Equal(t, "alice", frames[0].User)
		assert.Equal(t, "online", frames[0].State)
	}
	drain(t, other, otherTr, 0)
}

func TestChannelNamedPresenceStillDeduplicates(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	conn, tr := newConn("c1", "alice", "acme")
	require.NoError(t, r.Register(conn))
	require.NoError(t, r.Subscribe(conn, "presence"))

	// The broker redelivers the same event; the watermark must drop the
	// duplicate even though the channel name collides with the presence
	// subject suffix.
	subject := bus.ChannelSubject("acme", "presence")
	ev := createdEvent("acme", "presence", "m1", 100)
	require.NoError(t, b.Publish(context.Background(), subject, ev))
	require.NoError(t, b.Publish(context.Background(), subject, ev))

	frames := drain(t, conn, tr, 1)
	assert.Equal(t, "message.created", frames[0].Type)
	assert.Equal(t, "presence", frames[0].Channel)
	assert.Equal(t, "m1", frames[0].MessageID)
}

func TestDeregisterStopsDelivery(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	conn, tr := newConn("c1", "alice", "acme")
	require.NoError(t, r.Register(conn))
	require.NoError(t, r.Subscribe(conn, "general"))

	gone, ok := r.Deregister("c1")
	require.True(t, ok)
	assert.True(t, gone.Closed())

	_, ok = r.Deregister("c1")
	assert.False(t, ok)

	require.NoError(t, b.Publish(context.Background(), bus.ChannelSubject("acme", "general"), createdEvent("acme", "general", "m1", 100)))
	assert.Empty(t, tr.Frames())
}

func TestSlowConsumerEvictionIsIsolated(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	slowTr := &fakeTransport{}
	slow := hub.NewConn("slow", "alice", "acme", slowTr, 1)
	healthy, healthyTr := newConn("fast", "bob", "acme")
	require.NoError(t, r.Register(slow))
	require.NoError(t, r.Register(healthy))
	require.NoError(t, r.Subscribe(slow, "general"))
	require.NoError(t, r.Subscribe(healthy, "general"))

	subject := bus.ChannelSubject("acme", "general")
	require.NoError(t, b.Publish(context.Background(), subject, createdEvent("acme", "general", "m1", 100)))
	require.NoError(t, b.Publish(context.Background(), subject, createdEvent("acme", "general", "m2", 200)))
	require.NoError(t, b.Publish(context.Background(), subject, createdEvent("acme", "general", "m3", 300)))

	assert.True(t, slow.Closed(), "overflowing connection is evicted")
	assert.True(t, slowTr.Closed())
	assert.Equal(t, uint64(1), r.Stats().GetQueueOverflows())

	frames := drain(t, healthy, healthyTr, 3)
	assert.Equal(t, "m1", frames[0].MessageID)
	assert.Equal(t, "m2", frames[1].MessageID)
	assert.Equal(t, "m3", frames[2].MessageID)
}

func TestCatchupNoLossNoDuplicates(t *testing.T) {
	b := newSpyBus()
	r := hub.New(b, nil, nil, nil)

	conn, tr := newConn("c1", "alice", "acme")
	require.NoError(t, r.Register(conn))

	// The delivery pipeline gates the connection before wiring the bus
	// subscription, then replays history, then lowers the gate.
	conn.BeginCatchup("general")
	require.NoError(t, r.Subscribe(conn, "general"))

	subject := bus.ChannelSubject("acme", "general")
	// m2 races in live while history up to m2 replays.
	require.NoError(t, b.Publish(context.Background(), subject, createdEvent("acme", "general", "m2", 200)))
	require.NoError(t, b.Publish(context.Background(), subject, createdEvent("acme", "general", "m3", 300)))

	require.NoError(t, conn.Send([]byte(`{"type":"message.created","channel":"general","message_id":"m1"}`)))
	require.NoError(t, conn.Send([]byte(`{"type":"message.created","channel":"general","message_id":"m2"}`)))
	require.NoError(t, conn.FinishCatchup("general", store.Key{At: 200, ID: "m2"}))

	frames := drain(t, conn, tr, 3)
	ids := []string{frames[0].MessageID, frames[1].MessageID, frames[2].MessageID}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
}

func TestStatsTrackConnectionChurn(t *testing.T) {
	r := hub.New(newSpyBus(), nil, nil, nil)

	c1, _ := newConn("c1", "alice", "acme")
	c2, _ := newConn("c2", "bob", "acme")
	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(c2))
	require.NoError(t, r.Subscribe(c1, "general"))

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.GetTotalConnections())
	assert.Equal(t, uint64(2), stats.GetCurrentConnections())
	assert.Equal(t, uint64(1), stats.GetCurrentSubscriptions())

	r.Deregister("c1")
	assert.Equal(t, uint64(1), stats.GetCurrentConnections())
	assert.Equal(t, uint64(1), stats.Snapshot().Disconnections)
	assert.Equal(t, uint64(0), stats.GetCurrentSubscriptions())
}

func TestForEachVisitsEveryConnection(t *testing.T) {
	r := hub.New(newSpyBus(), nil, nil, nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		conn, _ := newConn(id, "alice", "acme")
		require.NoError(t, r.Register(conn))
	}

	seen := make(map[string]bool)
	r.ForEach(func(c *hub.Conn) { seen[c.ID] = true })
	assert.Len(t, seen, 3)

	got, ok := r.Get("c2")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID)
}
