// Package memqueue is an in-process dispatch bridge for tests and single-process runs.
// Messages do not survive a restart.
package memqueue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// Bridge fans published messages out to competing subscribers. A refused
// delivery is requeued once the lease elapses.
type Bridge struct {
	queue chan core.Message
	lease time.Duration
	seq   atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ core.Dispatcher = (*Bridge)(nil)

// New creates a bridge holding up to capacity undelivered messages.
func New(capacity int, lease time.Duration) *Bridge {
	if capacity <= 0 {
		capacity = 1024
	}
	if lease <= 0 {
		lease = time.Second
	}
	return &Bridge{
		queue: make(chan core.Message, capacity),
		lease: lease,
		done:  make(chan struct{}),
	}
}

func (b *Bridge) Publish(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return apperrors.Dispatch("dispatch message is empty")
	}
	msg := core.Message{ID: strconv.FormatInt(b.seq.Add(1), 10), Body: body}
	return b.enqueue(ctx, msg)
}

func (b *Bridge) enqueue(ctx context.Context, msg core.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return apperrors.Dispatch("dispatch bridge is closed")
	}
	select {
	case b.queue <- msg:
		return nil
	case <-b.done:
		return apperrors.Dispatch("dispatch bridge is closed")
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeDispatch, "publish canceled")
	}
}

// Subscribe delivers messages to h until ctx is done or the bridge is closed.
func (b *Bridge) Subscribe(ctx context.Context, h core.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg := <-b.queue:
			msg.Deliveries++
			if h(ctx, msg) {
				continue
			}
			time.AfterFunc(b.lease, func() {
				_ = b.enqueue(context.Background(), msg)
			})
		}
	}
}

// Len reports the number of queued, undelivered messages.
func (b *Bridge) Len() int { return len(b.queue) }

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
