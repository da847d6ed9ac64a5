// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/courier/bus"
)

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })

	var got []bus.Event
	require.NoError(t, b.Subscribe("workspace.ws.channel.general", func(_ string, ev bus.Event) {
		got = append(got, ev)
	}))

	for i := 0; i < 5; i++ {
		ev := bus.Event{Kind: bus.MessageCreated, Workspace: "ws", Channel: "general", User: fmt.Sprintf("u%d", i)}
		require.NoError(t, b.Publish(context.Background(), "workspace.ws.channel.general", ev))
	}

	// Synchronous delivery: publish order is delivery order.
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("u%d", i), ev.User)
	}
}

func TestBus_SubjectsAreIsolated(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })

	var general, random int
	require.NoError(t, b.Subscribe("workspace.ws.channel.general", func(string, bus.Event) { general++ }))
	require.NoError(t, b.Subscribe("workspace.ws.channel.random", func(string, bus.Event) { random++ }))

	require.NoError(t, b.Publish(context.Background(), "workspace.ws.channel.general", bus.Event{Kind: bus.MessageCreated}))

	assert.Equal(t, 1, general)
	assert.Equal(t, 0, random)
}

func TestBus_PublishWithoutSubscriberIsDropped(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Publish(context.Background(), "workspace.ws.channel.empty", bus.Event{Kind: bus.MessageCreated}))
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })

	var count int
	subject := "workspace.ws.channel.general"
	require.NoError(t, b.Subscribe(subject, func(string, bus.Event) { count++ }))
	require.NoError(t, b.Publish(context.Background(), subject, bus.Event{}))
	require.NoError(t, b.Unsubscribe(subject))
	require.NoError(t, b.Publish(context.Background(), subject, bus.Event{}))

	assert.Equal(t, 1, count)

	// Idempotent.
	require.NoError(t, b.Unsubscribe(subject))
}

func TestBus_ResubscribeReplacesHandler(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })

	var first, second int
	subject := "workspace.ws.channel.general"
	require.NoError(t, b.Subscribe(subject, func(string, bus.Event) { first++ }))
	require.NoError(t, b.Subscribe(subject, func(string, bus.Event) { second++ }))

	require.NoError(t, b.Publish(context.Background(), subject, bus.Event{}))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestBus_Closed(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "s", bus.Event{})
	require.ErrorIs(t, err, bus.ErrClosed)

	err = b.Subscribe("s", func(string, bus.Event) {})
	require.ErrorIs(t, err, bus.ErrClosed)
}
