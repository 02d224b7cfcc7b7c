package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"github.com/target/mmk-ledger/internal/testutil"
)

func newTestBridge(t *testing.T, client *redis.Client, lease time.Duration) *StreamBridge {
	t.Helper()
	return NewStreamBridge(client, StreamBridgeOptions{
		Stream:   "test:dispatch:" + t.Name(),
		Group:    "test-workers",
		Consumer: "c1",
		Lease:    lease,
		Block:    100 * time.Millisecond,
	})
}

// collect subscribes until want messages were seen or the deadline passes.
func collect(t *testing.T, b *StreamBridge, want int, ack func(core.Message) bool) []core.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []core.Message
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, func(_ context.Context, m core.Message) bool {
			mu.Lock()
			got = append(got, m)
			if len(got) >= want {
				cancel()
			}
			mu.Unlock()
			return ack(m)
		})
	}()
	<-done

	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestStreamBridge_PublishRejectsEmpty(t *testing.T) {
	b := NewStreamBridge(nil, StreamBridgeOptions{})
	err := b.Publish(context.Background(), "  ")
	require.Error(t, err)
	assert.True(t, apperrors.IsDispatch(err))
}

func TestStreamBridge_PublishSubscribeAck(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	b := newTestBridge(t, client, time.Minute)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx))
	require.NoError(t, b.Publish(ctx, "aWQtMQ=="))
	require.NoError(t, b.Publish(ctx, "aWQtMg=="))

	got := collect(t, b, 2, func(core.Message) bool { return true })
	require.Len(t, got, 2)
	assert.Equal(t, "aWQtMQ==", got[0].Body)
	assert.Equal(t, "aWQtMg==", got[1].Body)

	pending, err := client.XPending(ctx, b.opts.Stream, b.opts.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestStreamBridge_UnackedIsRedelivered(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	b := newTestBridge(t, client, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx))
	require.NoError(t, b.Publish(ctx, "cmVkZWxpdmVy"))

	// First delivery is refused; the lease expires and XAUTOCLAIM hands it out again.
	attempts := 0
	got := collect(t, b, 2, func(core.Message) bool {
		attempts++
		return attempts > 1
	})
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Body, got[1].Body)
	assert.Equal(t, got[0].ID, got[1].ID)
	assert.GreaterOrEqual(t, got[1].Deliveries, int64(2))
}

func TestStreamBridge_DropsMalformedEntries(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	b := newTestBridge(t, client, time.Minute)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: b.opts.Stream, Values: map[string]any{"other": "x"}}).Err())
	require.NoError(t, b.Publish(ctx, "Z29vZA=="))

	got := collect(t, b, 1, func(core.Message) bool { return true })
	require.Len(t, got, 1)
	assert.Equal(t, "Z29vZA==", got[0].Body)

	pending, err := client.XPending(ctx, b.opts.Stream, b.opts.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
