package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"github.com/target/mmk-ledger/internal/testutil"
)

func newTestLedgerRepo(db *sql.DB) (*LedgerRepo, *FixedTimeProvider) {
	clock := NewFixedTimeProvider(testutil.TestTime())
	return NewLedgerRepo(db, RepoConfig{TimeProvider: clock}), clock
}

func TestLedgerRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, _ := newTestLedgerRepo(db)
		ctx := context.Background()

		rec, err := repo.Create(ctx, testutil.NewRecordRequest().WithCreatedBy("alice").WithMetadata(`{"k":1}`).Build())
		require.NoError(t, err)
		assert.True(t, ledger.ValidID(rec.ID))
		assert.Equal(t, model.LedgerStatusPending, rec.Status)
		assert.Equal(t, "alice", rec.UpdatedBy)
		assert.JSONEq(t, `{"k":1}`, string(rec.JobMetadata))
		assert.True(t, rec.CreatedAt.Equal(testutil.TestTime()))

		got, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.JSONEq(t, string(rec.Input), string(got.Input))

		_, err = repo.Create(ctx, testutil.NewRecordRequest().WithID(rec.ID).Build())
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))

		_, err = repo.Create(ctx, testutil.NewRecordRequest().WithID("not-an-id").Build())
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestLedgerRepo_Transitions(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, clock := newTestLedgerRepo(db)
		ctx := context.Background()

		rec, err := repo.Create(ctx, testutil.NewRecordRequest().Build())
		require.NoError(t, err)

		clock.AddTime(time.Second)
		ok, err := repo.MarkInProgress(ctx, rec.ID, "worker")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.MarkNotified(ctx, rec.ID, "notifier")
		require.NoError(t, err)
		assert.False(t, ok, "in_progress cannot skip to notified")

		ok, err = repo.Complete(ctx, core.CompleteParams{ID: rec.ID, Output: json.RawMessage(`{"text":"hi"}`), UpdatedBy: "worker"})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.Fail(ctx, core.FailParams{ID: rec.ID, Reason: "late", UpdatedBy: "worker"})
		require.NoError(t, err)
		assert.False(t, ok, "successful records cannot fail")

		got, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.LedgerStatusSuccessful, got.Status)
		assert.JSONEq(t, `{"text":"hi"}`, string(got.Output))
		assert.True(t, got.UpdatedAt.Equal(clock.Now()))

		ok, err = repo.MarkInProgress(ctx, ledger.NewID(), "worker")
		require.NoError(t, err)
		assert.False(t, ok, "absent records report no transition")
	})
}

func TestLedgerRepo_FailMergesMetadata(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, _ := newTestLedgerRepo(db)
		ctx := context.Background()

		withMeta, err := repo.Create(ctx, testutil.NewRecordRequest().WithMetadata(`{"trace":"t1"}`).Build())
		require.NoError(t, err)
		withArray, err := repo.Create(ctx, testutil.NewRecordRequest().WithMetadata(`[1,2]`).Build())
		require.NoError(t, err)

		for _, id := range []string{withMeta.ID, withArray.ID} {
			ok, err := repo.Fail(ctx, core.FailParams{ID: id, Reason: "compute: 503"})
			require.NoError(t, err)
			require.True(t, ok)
		}

		got, err := repo.GetByID(ctx, withMeta.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"trace":"t1","last_error":"compute: 503"}`, string(got.JobMetadata))

		got, err = repo.GetByID(ctx, withArray.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"last_error":"compute: 503"}`, string(got.JobMetadata))
	})
}

func TestLedgerRepo_ListAndStats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, clock := newTestLedgerRepo(db)
		ctx := context.Background()

		var ids []string
		for _, user := range []string{"alice", "bob", "alice"} {
			rec, err := repo.Create(ctx, testutil.NewRecordRequest().WithCreatedBy(user).Build())
			require.NoError(t, err)
			ids = append(ids, rec.ID)
			clock.AddTime(time.Minute)
		}

		recs, err := repo.List(ctx, model.RecordFilter{CreatedBy: testutil.StringPtr("alice")})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, ids[2], recs[0].ID)

		recs, err = repo.List(ctx, model.RecordFilter{
			Columns: []string{model.ColumnID},
			Oldest:  true,
			Limit:   2,
		})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, ids[0], recs[0].ID)
		assert.Empty(t, recs[0].Status)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats[model.LedgerStatusPending])
		assert.Equal(t, 0, stats[model.LedgerStatusFailed])
	})
}

func TestLedgerRepo_BulkCreate(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, _ := newTestLedgerRepo(db)
		ctx := context.Background()

		dup := ledger.NewID()
		res, err := repo.BulkCreate(ctx, []model.CreateRecordRequest{
			testutil.NewRecordRequest().WithID(dup).BuildValue(),
			testutil.NewRecordRequest().WithID(dup).BuildValue(),
			testutil.NewRecordRequest().WithInput(`nope`).BuildValue(),
			testutil.NewRecordRequest().BuildValue(),
		})
		require.NoError(t, err)
		assert.Len(t, res.Valid, 2)
		require.Len(t, res.Invalid, 2)
		assert.Equal(t, 1, res.Invalid[0].Index)
		assert.Equal(t, "conflict", res.Invalid[0].Code)
		assert.Equal(t, "input", res.Invalid[1].Field)
	})
}

func TestLedgerRepo_Reclaim(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, clock := newTestLedgerRepo(db)
		ctx := context.Background()

		stuck, err := repo.Create(ctx, testutil.NewRecordRequest().Build())
		require.NoError(t, err)
		_, err = repo.MarkInProgress(ctx, stuck.ID, "worker")
		require.NoError(t, err)

		clock.AddTime(time.Hour)
		recent, err := repo.Create(ctx, testutil.NewRecordRequest().Build())
		require.NoError(t, err)

		opts := model.ReclaimOptions{
			StaleBefore: clock.Now().Add(-30 * time.Minute),
			MaxAttempts: 3,
			UpdatedBy:   "watchdog",
		}
		res, err := repo.Reclaim(ctx, opts)
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Equal(t, []string{stuck.ID}, res.Reclaimed)

		got, err := repo.GetByID(ctx, stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, model.LedgerStatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.True(t, got.UpdatedAt.Equal(clock.Now()))

		got, err = repo.GetByID(ctx, recent.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Attempts)

		testutil.LogRecordStates(t, db, "after reclaim")
	})
}

func TestLedgerRepo_ReclaimConcurrentScansDoNotDoubleCount(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, clock := newTestLedgerRepo(db)
		ctx := context.Background()

		for range 20 {
			_, err := repo.Create(ctx, testutil.NewRecordRequest().Build())
			require.NoError(t, err)
		}
		clock.AddTime(time.Hour)

		opts := model.ReclaimOptions{StaleBefore: clock.Now().Add(-time.Minute), MaxAttempts: 5, UpdatedBy: "watchdog"}
		var mu sync.Mutex
		total := 0
		scan := func() error {
			res, err := repo.Reclaim(ctx, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			total += len(res.Reclaimed)
			mu.Unlock()
			return nil
		}

		runner := testutil.NewConcurrentTestRunner(t)
		runner.AssertNoErrors(runner.RunConcurrent(scan, scan, scan, scan))
		assert.Equal(t, 20, total)

		for _, st := range testutil.InspectRecordStates(t, db) {
			assert.Equal(t, 1, st.Attempts)
		}
	})
}

func TestLedgerRepo_CompleteNotifiesListeners(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, _ := newTestLedgerRepo(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, err := repo.Create(ctx, testutil.NewRecordRequest().Build())
		require.NoError(t, err)

		listening := make(chan error, 1)
		go func() {
			listening <- repo.WaitForNotification(ctx, ledger.ChannelSuccessful)
		}()

		// Give the listener time to issue LISTEN before the NOTIFY.
		time.Sleep(200 * time.Millisecond)
		ok, err := repo.Complete(ctx, core.CompleteParams{ID: rec.ID, Output: json.RawMessage(`"done"`)})
		require.NoError(t, err)
		require.True(t, ok)

		select {
		case err := <-listening:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("no notification received")
		}
	})
}

func TestLedgerRepo_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo, _ := newTestLedgerRepo(db)
		ctx := context.Background()

		rec, err := repo.Create(ctx, testutil.NewRecordRequest().Build())
		require.NoError(t, err)

		deleted, err := repo.Delete(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetByID(ctx, rec.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})
}
