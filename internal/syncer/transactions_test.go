package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
	"github.com/bankfeed-aggregator/internal/storage"
)

func txn(id, date string, amount float64) transaction.Record {
	return transaction.Record{
		TransactionID: id,
		AccountID:     "acc-1",
		Amount:        amount,
		ISOCurrency:   "USD",
		Date:          date,
	}
}

func page(added []transaction.Record, modified []transaction.Record, removed []string, cursor string, hasMore bool) *aggregator.TransactionsPage {
	return &aggregator.TransactionsPage{
		Added:      added,
		Modified:   modified,
		RemovedIDs: removed,
		NextCursor: cursor,
		HasMore:    hasMore,
	}
}

func TestTransactionEngine_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("AppliesPagedChanges", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(page([]transaction.Record{txn("t1", "2026-08-01", 12.50), txn("t2", "2026-08-02", 3.99)}, nil, nil, "c1", true), nil).Once()
		env.client.On("SyncTransactions", mock.Anything, "secret-1", "c1").
			Return(page([]transaction.Record{txn("t3", "2026-08-03", 7.00)}, nil, nil, "c2", false), nil).Once()

		result, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Added)
		assert.Equal(t, 2, result.Pages)
		assert.Equal(t, 3, result.TotalProcessed())

		listed, err := env.transactions.List(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, listed, 3)
		env.client.AssertExpectations(t)
	})

	t.Run("ResumesFromDurableCursor", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(page([]transaction.Record{txn("t1", "2026-08-01", 1)}, nil, nil, "c1", false), nil).Once()
		_, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err)

		// The next sync starts at the stored cursor, not history's beginning
		env.client.On("SyncTransactions", mock.Anything, "secret-1", "c1").
			Return(page(nil, nil, nil, "c1", false), nil).Once()
		result, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err)
		assert.Zero(t, result.TotalProcessed())
		env.client.AssertExpectations(t)
	})

	t.Run("ModifyOverwritesAndRemoveDeletes", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		pending := txn("t1", "2026-08-01", 25)
		pending.Pending = true
		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(page([]transaction.Record{pending, txn("t2", "2026-08-01", 9)}, nil, nil, "c1", false), nil).Once()
		_, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err)

		posted := txn("t1", "2026-08-02", 25.75)
		env.client.On("SyncTransactions", mock.Anything, "secret-1", "c1").
			Return(page(nil, []transaction.Record{posted}, []string{"t2"}, "c2", false), nil).Once()
		result, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Modified)
		assert.Equal(t, 1, result.Removed)

		listed, err := env.transactions.List(ctx, "user-1", 0)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "t1", listed[0].TransactionID)
		assert.False(t, listed[0].Pending, "modified batch overwrites the record wholesale")
		assert.InDelta(t, 25.75, listed[0].Amount, 0.001)
	})

	t.Run("RemoveOfUnknownTransactionIsANoOp", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(page(nil, nil, []string{"never-seen"}, "c1", false), nil).Once()

		result, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err, "replayed removes tolerate already-deleted records")
		assert.Equal(t, 1, result.Removed)
	})

	t.Run("PageLimitStopsRunawaySync", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.MaxPages = 2
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", mock.Anything).
			Return(page([]transaction.Record{txn("t1", "2026-08-01", 1)}, nil, nil, "c-next", true), nil)

		_, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		assert.ErrorIs(t, err, ErrSyncPageLimit)
		env.client.AssertNumberOfCalls(t, "SyncTransactions", 2)
	})

	t.Run("LoginRequiredMarksConnection", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(nil, fmt.Errorf("%w: relink", aggregator.ErrItemLoginRequired))

		_, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		assert.ErrorIs(t, err, aggregator.ErrItemLoginRequired)

		got, err := env.registry.Get(ctx, "user-1", conn.ID)
		require.NoError(t, err)
		assert.Equal(t, connection.StatusLoginRequired, got.Status)
	})

	t.Run("UnknownConnection", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.transactions.Sync(ctx, "user-1", uuid.New())
		assert.ErrorIs(t, err, connection.ErrNotFound{})
	})
}

func TestTransactionEngine_SyncAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	good := env.link(t, "user-1", "ins_good", "secret-good")
	bad := env.link(t, "user-1", "ins_bad", "secret-bad")

	env.client.On("SyncTransactions", mock.Anything, "secret-good", "").
		Return(page([]transaction.Record{txn("t1", "2026-08-01", 5)}, nil, nil, "c1", false), nil)
	env.client.On("SyncTransactions", mock.Anything, "secret-bad", "").
		Return(nil, fmt.Errorf("%w: down", aggregator.ErrTransient))

	results, failures, err := env.transactions.SyncAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Contains(t, results, good.ID.String())
	assert.Contains(t, failures, bad.ID.String())
}

func TestTransactionEngine_SyncAllFansOutConcurrently(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	bankA := env.link(t, "user-1", "ins_a", "secret-a")
	bankB := env.link(t, "user-1", "ins_b", "secret-b")

	// Each connection's page call blocks until the other has started, which
	// only resolves when the two syncs run at the same time
	var started sync.WaitGroup
	started.Add(2)
	rendezvous := func(mock.Arguments) {
		started.Done()
		started.Wait()
	}
	env.client.On("SyncTransactions", mock.Anything, "secret-a", "").
		Run(rendezvous).
		Return(page([]transaction.Record{txn("a-1", "2026-08-01", 1)}, nil, nil, "ca", false), nil)
	env.client.On("SyncTransactions", mock.Anything, "secret-b", "").
		Run(rendezvous).
		Return(page([]transaction.Record{txn("b-1", "2026-08-01", 2)}, nil, nil, "cb", false), nil)

	results, failures, err := env.transactions.SyncAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Contains(t, results, bankA.ID.String())
	assert.Contains(t, results, bankB.ID.String())
}

// faultyGateway fails writes whose key contains failKey while failures remain
type faultyGateway struct {
	storage.Gateway
	failKey  string
	failures int
}

func (g *faultyGateway) Put(ctx context.Context, ownerID, key string, doc []byte) error {
	if g.failures > 0 && strings.Contains(key, g.failKey) {
		g.failures--
		return errors.New("write failed")
	}
	return g.Gateway.Put(ctx, ownerID, key, doc)
}

// A batch that dies mid-apply must leave the cursor untouched; replaying the
// same batch then converges because upserts and deletes are idempotent by id.
func TestTransactionEngine_PersistenceFailureLeavesCursorAndReplays(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conn := env.link(t, "user-1", "ins_1", "secret-1")

	faulty := &faultyGateway{Gateway: env.store}
	engine := NewTransactionEngine(env.logger, faulty, env.registry, env.client, env.pool, env.tracker, env.cfg)

	env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
		Return(page([]transaction.Record{txn("t1", "2026-08-01", 10), txn("t2", "2026-08-02", 20)}, nil, nil, "c1", false), nil).Once()
	_, err := engine.Sync(ctx, "user-1", conn.ID)
	require.NoError(t, err)

	// The next batch dies partway: t3 lands, then the t1 overwrite fails
	batch := page(
		[]transaction.Record{txn("t3", "2026-08-03", 30)},
		[]transaction.Record{txn("t1", "2026-08-01", 10.50)},
		[]string{"t2"}, "c2", false)
	env.client.On("SyncTransactions", mock.Anything, "secret-1", "c1").
		Return(batch, nil).Twice()

	faulty.failKey = "t1"
	faulty.failures = 1
	_, err = engine.Sync(ctx, "user-1", conn.ID)
	require.Error(t, err)

	loadCursor := func() string {
		data, err := env.store.Get(ctx, "user-1", storage.CursorKey(conn.ID.String()))
		require.NoError(t, err)
		var cursor transaction.SyncCursor
		require.NoError(t, json.Unmarshal(data, &cursor))
		return cursor.Cursor
	}
	assert.Equal(t, "c1", loadCursor(), "cursor stays put when a batch write fails")

	// The replay re-requests the same batch and applies it cleanly
	result, err := engine.Sync(ctx, "user-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Modified)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, "c2", loadCursor())

	listed, err := engine.List(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "t3", listed[0].TransactionID)
	assert.Equal(t, "t1", listed[1].TransactionID)
	assert.InDelta(t, 10.50, listed[1].Amount, 0.001, "replayed modify overwrote the original")
	env.client.AssertExpectations(t)
}

func TestTransactionEngine_ForceFullResync(t *testing.T) {
	ctx := context.Background()

	t.Run("ReplaysHistoryAfterWipe", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(page([]transaction.Record{txn("t1", "2026-08-01", 1)}, nil, nil, "c1", false), nil).Once()
		_, err := env.transactions.Sync(ctx, "user-1", conn.ID)
		require.NoError(t, err)

		// Full history replay returns a rebuilt record set
		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(page([]transaction.Record{txn("t1", "2026-08-01", 1), txn("t2", "2026-08-02", 2)}, nil, nil, "c2", false), nil).Once()

		require.NoError(t, env.transactions.ForceFullResync(ctx, "user-1", conn.ID))

		require.Eventually(t, func() bool {
			status, err := env.transactions.ResyncStatus(ctx, "user-1", conn.ID)
			return err == nil && status.State == transaction.ResyncStateCompleted
		}, 2*time.Second, 10*time.Millisecond)

		status, err := env.transactions.ResyncStatus(ctx, "user-1", conn.ID)
		require.NoError(t, err)
		require.NotNil(t, status.Result)
		assert.Equal(t, 2, status.Result.Added)
		assert.NotNil(t, status.FinishedAt)

		listed, err := env.transactions.List(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, listed, 2)
	})

	t.Run("FailureRecordedInStatus", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
			Return(nil, fmt.Errorf("%w: outage", aggregator.ErrTransient))

		require.NoError(t, env.transactions.ForceFullResync(ctx, "user-1", conn.ID))

		require.Eventually(t, func() bool {
			status, err := env.transactions.ResyncStatus(ctx, "user-1", conn.ID)
			return err == nil && status.State == transaction.ResyncStateFailed
		}, 2*time.Second, 10*time.Millisecond)

		status, err := env.transactions.ResyncStatus(ctx, "user-1", conn.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, status.Error)
	})

	t.Run("StatusUnknownBeforeAnyResync", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.link(t, "user-1", "ins_1", "secret-1")

		_, err := env.transactions.ResyncStatus(ctx, "user-1", conn.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound{})
	})
}

func TestTransactionEngine_List(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	conn := env.link(t, "user-1", "ins_1", "secret-1")

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	env.transactions.now = func() time.Time { return now }

	env.client.On("SyncTransactions", mock.Anything, "secret-1", "").
		Return(page([]transaction.Record{
			txn("old", "2026-06-01", 1),
			txn("recent", "2026-08-25", 2),
			txn("today", "2026-08-29", 3),
		}, nil, nil, "c1", false), nil)
	_, err := env.transactions.Sync(ctx, "user-1", conn.ID)
	require.NoError(t, err)

	t.Run("WindowFilters", func(t *testing.T) {
		listed, err := env.transactions.List(ctx, "user-1", 30)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "today", listed[0].TransactionID, "newest first")
		assert.Equal(t, "recent", listed[1].TransactionID)
	})

	t.Run("ZeroDaysMeansEverything", func(t *testing.T) {
		listed, err := env.transactions.List(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, listed, 3)
	})
}
