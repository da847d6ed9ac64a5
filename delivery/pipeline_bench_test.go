// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/courier/bus/local"
	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/store/memory"
)

type nullTransport struct{}

func (nullTransport) WriteFrame([]byte) error { return nil }
func (nullTransport) Ping() error             { return nil }
func (nullTransport) Close() error            { return nil }

// Benchmark: the full send path. Membership gate, channel lock, append,
// publish through the breaker, local fan-out.

func BenchmarkSendMessage_NoSubscribers(b *testing.B) {
	benchmarkSendMessage(b, 0)
}

func BenchmarkSendMessage_100Subscribers(b *testing.B) {
	benchmarkSendMessage(b, 100)
}

func benchmarkSendMessage(b *testing.B, numSubs int) {
	ctx := context.Background()
	st := memory.New(0)
	bs := local.New()
	reg := hub.New(bs, nil, nil, nil)
	pl := delivery.New(delivery.Config{}, st, bs, reg, nil, nil)

	if err := st.Memberships().Add(ctx, "ws", "general", "alice"); err != nil {
		b.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < numSubs; i++ {
		user := fmt.Sprintf("user%d", i)
		if err := st.Memberships().Add(ctx, "ws", "general", user); err != nil {
			b.Fatal(err)
		}
		conn := hub.NewConn(fmt.Sprintf("conn%d", i), user, "ws", nullTransport{}, 4096)
		if err := reg.Register(conn); err != nil {
			b.Fatal(err)
		}
		if err := pl.Subscribe(ctx, conn, "general", nil); err != nil {
			b.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = conn.WriteLoop(time.Hour)
		}()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := pl.SendMessage(ctx, "ws", "general", "alice", "benchmark payload"); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	reg.Close()
	wg.Wait()
}

// Benchmark: concurrent senders across channels. Distinct channels take
// distinct lock shards, so this measures cross-channel parallelism.

func BenchmarkSendMessage_ParallelChannels(b *testing.B) {
	ctx := context.Background()
	st := memory.New(0)
	bs := local.New()
	reg := hub.New(bs, nil, nil, nil)
	pl := delivery.New(delivery.Config{}, st, bs, reg, nil, nil)

	const channels = 16
	for i := 0; i < channels; i++ {
		if err := st.Memberships().Add(ctx, "ws", fmt.Sprintf("room%d", i), "alice"); err != nil {
			b.Fatal(err)
		}
	}

	var seq atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			channel := fmt.Sprintf("room%d", seq.Add(1)%channels)
			if _, err := pl.SendMessage(ctx, "ws", channel, "alice", "benchmark payload"); err != nil {
				b.Fatal(err)
			}
		}
	})
}
