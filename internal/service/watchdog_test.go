package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/mocks"
	"go.uber.org/mock/gomock"
)

func newWatchdogWithMocks(t *testing.T, cfg WatchdogConfig) (*WatchdogService, *mocks.MockLedgerRepository, *mocks.MockDispatcher) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockLedgerRepository(ctrl)
	disp := mocks.NewMockDispatcher(ctrl)
	svc, err := NewWatchdogService(WatchdogServiceOptions{Repo: repo, Dispatcher: disp, Config: cfg})
	require.NoError(t, err)
	return svc, repo, disp
}

func TestNewWatchdogService_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, err := NewWatchdogService(WatchdogServiceOptions{Dispatcher: mocks.NewMockDispatcher(ctrl)})
	require.Error(t, err)
	_, err = NewWatchdogService(WatchdogServiceOptions{Repo: mocks.NewMockLedgerRepository(ctrl)})
	require.Error(t, err)
}

func TestWatchdog_RunOnce_RepublishesReclaimed(t *testing.T) {
	svc, repo, disp := newWatchdogWithMocks(t, WatchdogConfig{JobTimeout: time.Minute, MaxAttempts: 4, BatchSize: 10})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	repo.EXPECT().Reclaim(ctx, model.ReclaimOptions{
		StaleBefore: now.Add(-time.Minute),
		MaxAttempts: 4,
		Limit:       10,
		UpdatedBy:   "watchdog",
	}).Return(&model.ReclaimResult{Reclaimed: []string{"a", "b"}, Exhausted: []string{"c"}}, nil)
	disp.EXPECT().Publish(ctx, "a").Return(nil)
	disp.EXPECT().Publish(ctx, "b").Return(nil)

	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Republished)
	assert.Equal(t, []string{"c"}, report.Exhausted)
	assert.Empty(t, report.PublishFailed)
}

func TestWatchdog_RunOnce_PublishFailureContinues(t *testing.T) {
	svc, repo, disp := newWatchdogWithMocks(t, WatchdogConfig{})
	ctx := context.Background()

	repo.EXPECT().Reclaim(ctx, gomock.Any()).Return(&model.ReclaimResult{Reclaimed: []string{"a", "b"}}, nil)
	disp.EXPECT().Publish(ctx, "a").Return(errors.New("broker down"))
	disp.EXPECT().Publish(ctx, "b").Return(nil)

	report, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.PublishFailed)
	assert.Equal(t, 1, report.Republished)
}

func TestWatchdog_RunOnce_SkippedAndErrors(t *testing.T) {
	t.Run("lock held elsewhere", func(t *testing.T) {
		svc, repo, _ := newWatchdogWithMocks(t, WatchdogConfig{})
		repo.EXPECT().Reclaim(gomock.Any(), gomock.Any()).Return(&model.ReclaimResult{Skipped: true}, nil)

		report, err := svc.RunOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, report.Skipped)
	})

	t.Run("store error", func(t *testing.T) {
		svc, repo, _ := newWatchdogWithMocks(t, WatchdogConfig{})
		repo.EXPECT().Reclaim(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

		_, err := svc.RunOnce(context.Background())
		require.Error(t, err)
	})
}

func TestWatchdog_Run_StopsOnCancel(t *testing.T) {
	svc, repo, _ := newWatchdogWithMocks(t, WatchdogConfig{Interval: 20 * time.Millisecond})
	repo.EXPECT().Reclaim(gomock.Any(), gomock.Any()).Return(&model.ReclaimResult{}, nil).MinTimes(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(70 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func TestWatchdogConfig_Defaults(t *testing.T) {
	cfg := WatchdogConfig{}.withDefaults()
	assert.Equal(t, DefaultWatchdogInterval, cfg.Interval)
	assert.Equal(t, DefaultJobTimeout, cfg.JobTimeout)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, "watchdog", cfg.UpdatedBy)
}
