package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Notification channels raised by the store.
const (
	// ChannelSuccessful fires when a record completes successfully.
	ChannelSuccessful = "ledger_successful"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the store raises a notification on channel.
type Waiter interface {
	WaitForNotification(ctx context.Context, channel string) error
}

// Notifier fans store notifications out to in-process subscribers.
type Notifier interface {
	Subscribe(channel string) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the default notifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one listener goroutine per channel with at least one
// subscriber and coalesces wake-ups into a 1-buffered channel per subscriber.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[string]map[chan struct{}]struct{}
	listeners map[string]context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	if opts.WaitWindow <= 0 {
		opts.WaitWindow = time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		subs:       make(map[string]map[chan struct{}]struct{}),
		listeners:  make(map[string]context.CancelFunc),
	}, nil
}

func (n *DefaultNotifier) Subscribe(channel string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[channel]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[channel] = cancel
		go n.listenLoop(ctx, channel)
	}

	ch := make(chan struct{}, 1)
	if n.subs[channel] == nil {
		n.subs[channel] = make(map[chan struct{}]struct{})
	}
	n.subs[channel][ch] = struct{}{}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subscribers := n.subs[channel]
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		drainAndClose(ch)
		if len(subscribers) == 0 {
			if cancel, ok := n.listeners[channel]; ok {
				cancel()
				delete(n.listeners, channel)
			}
			delete(n.subs, channel)
		}
	}
	return unsub, ch
}

func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for channel, cancel := range n.listeners {
		cancel()
		delete(n.listeners, channel)
	}
	for channel, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, channel)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, channel string) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, channel)
		cancel()

		n.broadcast(channel)

		if err != nil && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(channel string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[channel] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes buffered notifications before closing so receivers
// observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
