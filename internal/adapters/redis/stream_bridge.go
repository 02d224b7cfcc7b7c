// Package redis implements the dispatch bridge on Redis Streams consumer groups.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// bodyField is the stream entry field carrying the encoded record id.
const bodyField = "id"

// StreamBridgeOptions configure a StreamBridge.
type StreamBridgeOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Lease is how long a delivery may stay unacknowledged before another
	// consumer claims it with XAUTOCLAIM.
	Lease time.Duration
	// Block bounds each XREADGROUP call so the loop can observe cancellation.
	Block time.Duration
	Count int64
	// MaxLen caps the stream length (approximate trimming). Zero disables trimming.
	MaxLen int64
	Logger *slog.Logger
}

// StreamBridge publishes record ids with XADD and consumes them through a consumer group.
type StreamBridge struct {
	client redis.UniversalClient
	opts   StreamBridgeOptions
	logger *slog.Logger
}

var _ core.Dispatcher = (*StreamBridge)(nil)

// NewStreamBridge creates a bridge over client, filling unset options with defaults.
func NewStreamBridge(client redis.UniversalClient, opts StreamBridgeOptions) *StreamBridge {
	if opts.Stream == "" {
		opts.Stream = "ledger:dispatch"
	}
	if opts.Group == "" {
		opts.Group = "ledger-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker"
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamBridge{
		client: client,
		opts:   opts,
		logger: logger.With("component", "redis_stream_bridge", "stream", opts.Stream, "group", opts.Group),
	}
}

// Publish appends body to the stream and returns once Redis has accepted it.
func (b *StreamBridge) Publish(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return apperrors.Dispatch("dispatch message is empty")
	}
	args := &redis.XAddArgs{
		Stream: b.opts.Stream,
		Values: map[string]any{bodyField: body},
	}
	if b.opts.MaxLen > 0 {
		args.MaxLen = b.opts.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDispatch, "publish to redis stream")
	}
	return nil
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (b *StreamBridge) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.opts.Stream, b.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return apperrors.Wrap(err, apperrors.ErrCodeDispatch, "create consumer group")
	}
	return nil
}

// Subscribe runs the consume loop until ctx is done. Each pass first reclaims
// deliveries whose lease expired, then reads new entries.
func (b *StreamBridge) Subscribe(ctx context.Context, h core.Handler) error {
	if err := b.EnsureGroup(ctx); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "subscribed", "consumer", b.opts.Consumer, "lease", b.opts.Lease)

	cursor := "0-0"
	backoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		next, err := b.claimExpired(ctx, cursor, h)
		if err == nil {
			cursor = next
			err = b.readNew(ctx, h)
		}
		if err == nil {
			backoff = 100 * time.Millisecond
			continue
		}
		if ctx.Err() != nil {
			break
		}
		b.logger.WarnContext(ctx, "stream read failed", "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			break
		}
		backoff = min(backoff*2, 5*time.Second)
	}
	return nil
}

func (b *StreamBridge) claimExpired(ctx context.Context, cursor string, h core.Handler) (string, error) {
	msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.opts.Stream,
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.Lease,
		Start:    cursor,
		Count:    b.opts.Count,
	}).Result()
	if err != nil {
		return cursor, fmt.Errorf("xautoclaim: %w", err)
	}
	for _, m := range msgs {
		b.handle(ctx, m, b.deliveries(ctx, m.ID), h)
	}
	if next == "" {
		next = "0-0"
	}
	return next, nil
}

func (b *StreamBridge) readNew(ctx context.Context, h core.Handler) error {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		Streams:  []string{b.opts.Stream, ">"},
		Count:    b.opts.Count,
		Block:    b.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			b.handle(ctx, m, 1, h)
		}
	}
	return nil
}

// deliveries looks up the delivery count of a claimed entry. Unknown counts report 0.
func (b *StreamBridge) deliveries(ctx context.Context, id string) int64 {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.opts.Stream,
		Group:  b.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (b *StreamBridge) handle(ctx context.Context, m redis.XMessage, deliveries int64, h core.Handler) {
	body, _ := m.Values[bodyField].(string)
	if body == "" {
		// Entries without a body can never succeed; drop them.
		b.logger.WarnContext(ctx, "dropping malformed stream entry", "entry_id", m.ID)
		b.ack(ctx, m.ID)
		return
	}
	if h(ctx, core.Message{ID: m.ID, Body: body, Deliveries: deliveries}) {
		b.ack(ctx, m.ID)
	}
}

func (b *StreamBridge) ack(ctx context.Context, entryID string) {
	if err := b.client.XAck(ctx, b.opts.Stream, b.opts.Group, entryID).Err(); err != nil {
		b.logger.WarnContext(ctx, "xack failed; entry will be redelivered", "entry_id", entryID, "error", err)
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *StreamBridge) Close() error { return nil }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
