package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/mocks"
	"go.uber.org/mock/gomock"
)

type recordingResultSink struct {
	mu         sync.Mutex
	events     []model.ResultEvent
	heartbeats int
	failAfter  int
}

func (s *recordingResultSink) Event(_ context.Context, ev model.ResultEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.events) >= s.failAfter {
		return errors.New("client gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingResultSink) Heartbeat(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingResultSink) snapshot() ([]model.ResultEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ResultEvent(nil), s.events...), s.heartbeats
}

// fakeWake is a ledger.Notifier whose channel the test fires.
type fakeWake struct{ ch chan struct{} }

func (f *fakeWake) Subscribe(string) (func(), <-chan struct{}) { return func() {}, f.ch }
func (f *fakeWake) StopAll()                                    {}

func successful(id, user, output string) *model.JobRecord {
	return &model.JobRecord{ID: id, CreatedBy: user, Output: json.RawMessage(output)}
}

func TestResultNotifier_DrainMarksNotified(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	n, err := NewResultNotifier(ResultNotifierOptions{Repo: repo})
	require.NoError(t, err)
	ctx := context.Background()

	repo.EXPECT().List(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, f model.RecordFilter) ([]*model.JobRecord, error) {
			assert.Equal(t, []model.LedgerStatus{model.LedgerStatusSuccessful}, f.Statuses)
			assert.ElementsMatch(t, []string{"id", "created_by", "output"}, f.Columns)
			assert.True(t, f.Oldest)
			return []*model.JobRecord{successful("a", "alice", `"hi"`), successful("b", "bob", `"yo"`)}, nil
		})
	gomock.InOrder(
		repo.EXPECT().MarkNotified(ctx, "a", "notifier").Return(true, nil),
		repo.EXPECT().MarkNotified(ctx, "b", "notifier").Return(false, nil),
	)

	sink := &recordingResultSink{}
	emitted, err := n.Drain(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, emitted)

	events, _ := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, model.ResultEvent{ID: "a", User: "alice", Response: json.RawMessage(`"hi"`)}, events[0])
}

func TestResultNotifier_SinkFailureSkipsMark(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	n, err := NewResultNotifier(ResultNotifierOptions{Repo: repo})
	require.NoError(t, err)

	repo.EXPECT().List(gomock.Any(), gomock.Any()).
		Return([]*model.JobRecord{successful("a", "u", `1`), successful("b", "u", `2`)}, nil)
	repo.EXPECT().MarkNotified(gomock.Any(), "a", gomock.Any()).Return(true, nil)

	sink := &recordingResultSink{failAfter: 1}
	err = n.Stream(context.Background(), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client gone")
}

func TestResultNotifier_StreamHeartbeatsAndWakes(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	wake := &fakeWake{ch: make(chan struct{}, 1)}
	n, err := NewResultNotifier(ResultNotifierOptions{
		Repo:   repo,
		Wake:   wake,
		Config: ResultNotifierConfig{Interval: time.Hour},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	repo.EXPECT().List(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, model.RecordFilter) ([]*model.JobRecord, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 2 {
				return []*model.JobRecord{successful("a", "u", `"done"`)}, nil
			}
			return nil, nil
		}).AnyTimes()
	repo.EXPECT().MarkNotified(gomock.Any(), "a", gomock.Any()).Return(true, nil)

	sink := &recordingResultSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Stream(ctx, sink) }()

	require.Eventually(t, func() bool {
		_, hb := sink.snapshot()
		return hb == 1
	}, time.Second, 5*time.Millisecond)

	wake.ch <- struct{}{}
	require.Eventually(t, func() bool {
		events, _ := sink.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestResultNotifier_StoreErrorKeepsStreaming(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	n, err := NewResultNotifier(ResultNotifierOptions{Repo: repo, Config: ResultNotifierConfig{Interval: time.Millisecond}})
	require.NoError(t, err)

	repo.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, errors.New("db blip")).AnyTimes()

	sink := &recordingResultSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Stream(ctx, sink) }()

	require.Eventually(t, func() bool {
		_, hb := sink.snapshot()
		return hb >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestResultNotifier_ClosedWakeFallsBackToInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	wake := &fakeWake{ch: make(chan struct{})}
	n, err := NewResultNotifier(ResultNotifierOptions{
		Repo:   repo,
		Wake:   wake,
		Config: ResultNotifierConfig{Interval: 200 * time.Millisecond},
	})
	require.NoError(t, err)
	repo.EXPECT().List(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

	sink := &recordingResultSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Stream(ctx, sink) }()

	require.Eventually(t, func() bool {
		_, hb := sink.snapshot()
		return hb == 1
	}, time.Second, 5*time.Millisecond)

	// Stopping wake-ups closes the channel; the stream must not spin on it.
	close(wake.ch)
	time.Sleep(100 * time.Millisecond)
	_, hb := sink.snapshot()
	assert.LessOrEqual(t, hb, 2, "closed wake channel should not drive cycles")

	require.Eventually(t, func() bool {
		_, hb := sink.snapshot()
		return hb >= 2
	}, 2*time.Second, 10*time.Millisecond, "polling continues at the interval")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
}
