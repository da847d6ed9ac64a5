// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"sync/atomic"
	"time"
)

// Stats tracks delivery statistics across all connections.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64

	// Subscription stats
	currentSubscriptions atomic.Uint64

	// Delivery stats
	messagesIn      atomic.Uint64 // inbound sends accepted
	eventsDelivered atomic.Uint64 // frames enqueued to connections
	eventsDropped   atomic.Uint64 // frames dropped on closed connections
	catchupReplays  atomic.Uint64 // catch-up runs completed

	// Backpressure stats
	queueOverflows atomic.Uint64 // connections evicted for a full queue
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) GetCurrentConnections() uint64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.currentSubscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions() {
	s.currentSubscriptions.Add(^uint64(0))
}

func (s *Stats) GetCurrentSubscriptions() uint64 {
	return s.currentSubscriptions.Load()
}

// Delivery tracking.
func (s *Stats) IncrementMessagesIn() {
	s.messagesIn.Add(1)
}

func (s *Stats) IncrementEventsDelivered() {
	s.eventsDelivered.Add(1)
}

func (s *Stats) IncrementEventsDropped() {
	s.eventsDropped.Add(1)
}

func (s *Stats) IncrementCatchupReplays() {
	s.catchupReplays.Add(1)
}

func (s *Stats) IncrementQueueOverflows() {
	s.queueOverflows.Add(1)
}

func (s *Stats) GetQueueOverflows() uint64 {
	return s.queueOverflows.Load()
}

// Snapshot returns all counters for the health and ops endpoints.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		UptimeSeconds:        int64(time.Since(s.startTime).Seconds()),
		CurrentConnections:   s.currentConnections.Load(),
		TotalConnections:     s.totalConnections.Load(),
		Disconnections:       s.disconnections.Load(),
		CurrentSubscriptions: s.currentSubscriptions.Load(),
		MessagesIn:           s.messagesIn.Load(),
		EventsDelivered:      s.eventsDelivered.Load(),
		EventsDropped:        s.eventsDropped.Load(),
		CatchupReplays:       s.catchupReplays.Load(),
		QueueOverflows:       s.queueOverflows.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	UptimeSeconds        int64  `json:"uptime_seconds"`
	CurrentConnections   uint64 `json:"current_connections"`
	TotalConnections     uint64 `json:"total_connections"`
	Disconnections       uint64 `json:"disconnections"`
	CurrentSubscriptions uint64 `json:"current_subscriptions"`
	MessagesIn           uint64 `json:"messages_in"`
	EventsDelivered      uint64 `json:"events_delivered"`
	EventsDropped        uint64 `json:"events_dropped"`
	CatchupReplays       uint64 `json:"catchup_replays"`
	QueueOverflows       uint64 `json:"queue_overflows"`
}
