package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// fakeLog is a single-partition topic with one committed group offset.
type fakeLog struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed int64
	writeErrs []error
	writers   int
}

func (l *fakeLog) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.writeErrs) > 0 {
		err := l.writeErrs[0]
		l.writeErrs = l.writeErrs[1:]
		return err
	}
	for _, m := range msgs {
		m.Offset = int64(len(l.msgs))
		l.msgs = append(l.msgs, m)
	}
	return nil
}

func (l *fakeLog) Close() error { return nil }

type fakeReader struct {
	log    *fakeLog
	next   int64
	closed chan struct{}
	once   sync.Once
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.log.mu.Lock()
		if r.next < int64(len(r.log.msgs)) {
			m := r.log.msgs[r.next]
			r.next++
			r.log.mu.Unlock()
			return m, nil
		}
		r.log.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-r.closed:
			return kafka.Message{}, io.EOF
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > r.log.committed {
			r.log.committed = m.Offset + 1
		}
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func newFakeBridge(t *testing.T, log *fakeLog) *Bridge {
	t.Helper()
	b, err := NewBridge(Config{Brokers: []string{"fake:9092"}, Topic: "ledger", RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	b.newWriter = func(Config) messageWriter {
		log.mu.Lock()
		log.writers++
		log.mu.Unlock()
		return log
	}
	b.newReader = func(Config) messageReader {
		log.mu.Lock()
		defer log.mu.Unlock()
		return &fakeReader{log: log, next: log.committed, closed: make(chan struct{})}
	}
	b.w = b.newWriter(b.cfg)
	return b
}

func TestNewBridge_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewBridge(Config{Topic: "t"})
	require.Error(t, err)
	_, err = NewBridge(Config{Brokers: []string{"b:9092"}})
	require.Error(t, err)
}

func TestBridge_Publish(t *testing.T) {
	log := &fakeLog{}
	b := newFakeBridge(t, log)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "aWQ="))
	require.Len(t, log.msgs, 1)
	assert.Equal(t, "aWQ=", string(log.msgs[0].Value))
	assert.Equal(t, "aWQ=", string(log.msgs[0].Key))

	err := b.Publish(ctx, "")
	require.Error(t, err)
	assert.True(t, apperrors.IsDispatch(err))

	t.Run("network errors reset the writer once", func(t *testing.T) {
		log.writeErrs = []error{errors.New("dial tcp: connection refused")}
		require.NoError(t, b.Publish(ctx, "cmV0cnk="))
		assert.Equal(t, 2, log.writers)
	})

	t.Run("other errors surface as dispatch errors", func(t *testing.T) {
		log.writeErrs = []error{errors.New("message too large")}
		err := b.Publish(ctx, "Ymln")
		require.Error(t, err)
		assert.True(t, apperrors.IsDispatch(err))
	})
}

func TestBridge_SubscribeCommitsOnAck(t *testing.T) {
	log := &fakeLog{}
	b := newFakeBridge(t, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "b25l"))
	require.NoError(t, b.Publish(ctx, "dHdv"))

	var got []core.Message
	err := b.Subscribe(ctx, func(_ context.Context, m core.Message) bool {
		got = append(got, m)
		if len(got) == 2 {
			cancel()
		}
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b25l", got[0].Body)
	assert.Equal(t, "0/0", got[0].ID)
	assert.Equal(t, int64(2), log.committed)
}

func TestBridge_SubscribeRedeliversRefused(t *testing.T) {
	log := &fakeLog{}
	b := newFakeBridge(t, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, b.Publish(ctx, "Zmxha3k="))

	var got []core.Message
	err := b.Subscribe(ctx, func(_ context.Context, m core.Message) bool {
		got = append(got, m)
		if len(got) == 2 {
			cancel()
			return true
		}
		return false
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].ID, got[1].ID)
	assert.Equal(t, int64(1), got[0].Deliveries)
	assert.Equal(t, int64(2), got[1].Deliveries)
}

func TestBridge_CloseStopsSubscribers(t *testing.T) {
	log := &fakeLog{}
	b := newFakeBridge(t, log)

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(context.Background(), func(context.Context, core.Message) bool { return true })
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.readers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}

	err := b.Publish(context.Background(), "bGF0ZQ==")
	assert.True(t, apperrors.IsDispatch(err))
}
