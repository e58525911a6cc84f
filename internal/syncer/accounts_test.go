package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/events"
)

func TestAccountEngine_GetAccounts(t *testing.T) {
	ctx := context.Background()

	t.Run("CacheMissTriggersRefresh", func(t *testing.T) {
		env := newTestEnv(t)
		env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("FetchBalances", mock.Anything, "secret-1").
			Return(snapshots([]string{"acc-1", "acc-2"}, 100), nil).Once()

		cache, _, err := env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, cache.BankCount)
		assert.Equal(t, 2, cache.AccountCount)
		assert.InDelta(t, 200, cache.TotalBalance, 0.001)
		env.client.AssertExpectations(t)
	})

	t.Run("FreshCacheServedWithoutUpstreamCall", func(t *testing.T) {
		env := newTestEnv(t)
		env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("FetchBalances", mock.Anything, "secret-1").
			Return(snapshots([]string{"acc-1"}, 50), nil).Once()

		_, fromStored, err := env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, fromStored)

		_, fromStored, err = env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, fromStored)

		env.client.AssertNumberOfCalls(t, "FetchBalances", 1)
	})

	t.Run("ExpiredCacheRefreshes", func(t *testing.T) {
		env := newTestEnv(t)
		env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("FetchBalances", mock.Anything, "secret-1").
			Return(snapshots([]string{"acc-1"}, 50), nil).Twice()

		base := time.Now().UTC()
		env.accounts.now = func() time.Time { return base }
		_, _, err := env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)

		// Exactly at the TTL boundary the cache counts as expired
		env.accounts.now = func() time.Time { return base.Add(env.cfg.AccountsCacheTTL) }
		_, _, err = env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)

		env.client.AssertNumberOfCalls(t, "FetchBalances", 2)
	})

	t.Run("StaleCacheRefreshes", func(t *testing.T) {
		env := newTestEnv(t)
		env.link(t, "user-1", "ins_1", "secret-1")

		env.client.On("FetchBalances", mock.Anything, "secret-1").
			Return(snapshots([]string{"acc-1"}, 50), nil).Twice()

		_, _, err := env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)

		require.NoError(t, env.accounts.MarkStale(ctx, "user-1"))
		_, _, err = env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)

		env.client.AssertNumberOfCalls(t, "FetchBalances", 2)
	})

	t.Run("NoConnections", func(t *testing.T) {
		env := newTestEnv(t)

		cache, _, err := env.accounts.GetAccounts(ctx, "user-1")
		require.NoError(t, err)
		assert.Zero(t, cache.BankCount)
		assert.Zero(t, cache.TotalBalance)
	})
}

func TestAccountEngine_PartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	healthy := env.link(t, "user-1", "ins_good", "secret-good")
	failing := env.link(t, "user-1", "ins_bad", "secret-bad")

	env.client.On("FetchBalances", mock.Anything, "secret-good").
		Return(snapshots([]string{"acc-1"}, 300), nil)
	env.client.On("FetchBalances", mock.Anything, "secret-bad").
		Return(nil, fmt.Errorf("%w: upstream down", aggregator.ErrTransient))

	cache, _, err := env.accounts.GetAccounts(ctx, "user-1")
	require.NoError(t, err, "one failing institution does not fail the whole request")

	assert.Equal(t, 2, cache.BankCount)
	assert.True(t, cache.PartialFailure())
	assert.Contains(t, cache.Errors, failing.ID.String())
	assert.NotContains(t, cache.Errors, healthy.ID.String())
	assert.InDelta(t, 300, cache.TotalBalance, 0.001, "only the healthy institution contributes")

	for _, inst := range cache.Institutions {
		if inst.ConnectionID == failing.ID {
			assert.Equal(t, connection.StatusError, inst.Status)
		}
	}

	got, err := env.registry.Get(ctx, "user-1", failing.ID)
	require.NoError(t, err)
	assert.Equal(t, connection.StatusError, got.Status, "exhausted upstream failure marks the connection")
}

func TestAccountEngine_LoginRequiredMarksConnection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	conn := env.link(t, "user-1", "ins_1", "secret-1")
	env.client.On("FetchBalances", mock.Anything, "secret-1").
		Return(nil, fmt.Errorf("%w: relink", aggregator.ErrItemLoginRequired))

	cache, _, err := env.accounts.GetAccounts(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, cache.Institutions, 1)
	assert.Equal(t, connection.StatusLoginRequired, cache.Institutions[0].Status)
	assert.Zero(t, cache.TotalBalance)

	got, err := env.registry.Get(ctx, "user-1", conn.ID)
	require.NoError(t, err)
	assert.Equal(t, connection.StatusLoginRequired, got.Status)
}

func TestAccountEngine_FailedConnectionKeepsLastKnownAccounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	conn := env.link(t, "user-1", "ins_1", "secret-1")

	env.client.On("FetchBalances", mock.Anything, "secret-1").
		Return(snapshots([]string{"acc-1"}, 120), nil).Once()
	_, err := env.accounts.Refresh(ctx, "user-1")
	require.NoError(t, err)

	env.client.On("FetchBalances", mock.Anything, "secret-1").
		Return(nil, fmt.Errorf("%w: blip", aggregator.ErrTransient)).Once()
	cache, err := env.accounts.Refresh(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, cache.Institutions, 1)
	assert.Len(t, cache.Institutions[0].Accounts, 1, "last-known snapshot survives the failed fetch")
	assert.Equal(t, connection.StatusError, cache.Institutions[0].Status)
	assert.Contains(t, cache.Errors, conn.ID.String())
	assert.True(t, cache.PartialFailure())

	// Retained accounts are display-only; the failed institution contributes
	// nothing to the merged totals
	assert.Zero(t, cache.TotalBalance)
	assert.Zero(t, cache.AccountCount)
	assert.Zero(t, cache.Institutions[0].SubtotalCurrent)
}

func TestAccountEngine_ConcurrentRefreshCollapses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.link(t, "user-1", "ins_1", "secret-1")

	env.client.On("FetchBalances", mock.Anything, "secret-1").
		Run(func(mock.Arguments) { time.Sleep(100 * time.Millisecond) }).
		Return(snapshots([]string{"acc-1"}, 75), nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache, err := env.accounts.Refresh(ctx, "user-1")
			assert.NoError(t, err)
			assert.NotNil(t, cache)
		}()
	}
	wg.Wait()

	env.client.AssertNumberOfCalls(t, "FetchBalances", 1)
}

func TestAccountEngine_PublishesSyncCompleted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.link(t, "user-1", "ins_1", "secret-1")

	env.client.On("FetchBalances", mock.Anything, "secret-1").
		Return(snapshots([]string{"acc-1"}, 10), nil)

	_, err := env.accounts.Refresh(ctx, "user-1")
	require.NoError(t, err)

	env.publisher.AssertCalled(t, "Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == events.TypeSyncCompleted && e.UserID == "user-1" && e.AccountCount == 1
	}))
}

func TestAccountEngine_DataInfo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("NoCache", func(t *testing.T) {
		info, err := env.accounts.DataInfo(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, info.HasData)
		assert.True(t, info.Expired)
	})

	t.Run("FreshCache", func(t *testing.T) {
		env.link(t, "user-1", "ins_1", "secret-1")
		env.client.On("FetchBalances", mock.Anything, "secret-1").
			Return(snapshots([]string{"acc-1"}, 10), nil)

		_, err := env.accounts.Refresh(ctx, "user-1")
		require.NoError(t, err)

		info, err := env.accounts.DataInfo(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, info.HasData)
		assert.False(t, info.Expired)
		assert.False(t, info.Stale)
		assert.Equal(t, env.cfg.AccountsCacheTTL, info.TTL)
	})
}
