package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/events"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/storage"
)

// AccountEngine serves consolidated balances from a per-user TTL cache and
// refreshes them by fanning out to every linked institution. Institution
// failures are isolated: a failed connection keeps its last-known snapshot
// and is reported in the cache's Errors map while the rest refresh normally.
type AccountEngine struct {
	logger   *slog.Logger
	store    storage.Gateway
	registry *registry.Registry
	client   aggregator.Client
	events   events.Publisher
	pool     *ants.Pool
	tracker  *Tracker
	cfg      *config.SyncConfig

	// group collapses concurrent refreshes of the same user into one upstream
	// fan-out; callers share the result
	group singleflight.Group

	// now is swapped in tests to control TTL expiry
	now func() time.Time
}

// NewAccountEngine creates the consolidated account sync engine
func NewAccountEngine(
	logger *slog.Logger,
	store storage.Gateway,
	reg *registry.Registry,
	client aggregator.Client,
	publisher events.Publisher,
	pool *ants.Pool,
	tracker *Tracker,
	cfg *config.SyncConfig,
) *AccountEngine {
	return &AccountEngine{
		logger:   logger,
		store:    store,
		registry: reg,
		client:   client,
		events:   publisher,
		pool:     pool,
		tracker:  tracker,
		cfg:      cfg,
		now:      time.Now,
	}
}

// GetAccounts returns the user's consolidated balances, serving from cache
// while it is fresh and refreshing from every institution once it expires or
// has been marked stale. The bool reports whether the cached copy was served.
func (e *AccountEngine) GetAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, bool, error) {
	cache, err := e.loadCache(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound{}) {
		return nil, false, err
	}
	if cache != nil && !cache.Stale && !cache.Expired(e.now().UTC(), e.cfg.AccountsCacheTTL) {
		return cache, true, nil
	}
	cache, err = e.Refresh(ctx, userID)
	return cache, false, err
}

// Refresh bypasses the TTL and rebuilds the consolidated cache from live
// institution data. Concurrent refreshes for the same user collapse into one.
func (e *AccountEngine) Refresh(ctx context.Context, userID string) (*balance.ConsolidatedCache, error) {
	result, err, _ := e.group.Do(userID, func() (any, error) {
		return e.refresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*balance.ConsolidatedCache), nil
}

// DataInfo describes the cache's freshness without triggering a refresh
type DataInfo struct {
	UserID      string        `json:"user_id"`
	HasData     bool          `json:"has_data"`
	LastUpdated time.Time     `json:"last_updated,omitempty"`
	Age         time.Duration `json:"age_seconds,omitempty"`
	TTL         time.Duration `json:"ttl_seconds"`
	Expired     bool          `json:"expired"`
	Stale       bool          `json:"stale"`
}

// DataInfo reports the cache's age and freshness for the user
func (e *AccountEngine) DataInfo(ctx context.Context, userID string) (*DataInfo, error) {
	info := &DataInfo{UserID: userID, TTL: e.cfg.AccountsCacheTTL}

	cache, err := e.loadCache(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			info.Expired = true
			return info, nil
		}
		return nil, err
	}

	now := e.now().UTC()
	info.HasData = true
	info.LastUpdated = cache.LastUpdated
	info.Age = cache.Age(now)
	info.Expired = cache.Expired(now, e.cfg.AccountsCacheTTL)
	info.Stale = cache.Stale
	return info, nil
}

// MarkStale flags the user's cache so the next read refreshes regardless of
// TTL. A missing cache is already as stale as it gets.
func (e *AccountEngine) MarkStale(ctx context.Context, userID string) error {
	cache, err := e.loadCache(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			return nil
		}
		return err
	}
	cache.Stale = true
	return e.saveCache(ctx, cache)
}

// Cached returns the stored consolidated cache without refreshing, or
// storage.ErrNotFound when the user has never synced.
func (e *AccountEngine) Cached(ctx context.Context, userID string) (*balance.ConsolidatedCache, error) {
	return e.loadCache(ctx, userID)
}

// connectionResult carries one institution's fetch outcome back from the pool
type connectionResult struct {
	conn      connection.BankConnection
	snapshots []balance.AccountSnapshot
	err       error
}

// refresh fans out to every syncable connection, merges the results with the
// previous cache, recomputes totals and persists the new cache.
func (e *AccountEngine) refresh(ctx context.Context, userID string) (*balance.ConsolidatedCache, error) {
	connections, err := e.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	previous, err := e.loadCache(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound{}) {
		return nil, err
	}

	var syncable []connection.BankConnection
	for _, conn := range connections {
		if conn.Syncable() {
			syncable = append(syncable, conn)
		}
	}

	results := e.fetchAll(ctx, userID, syncable)

	cache := e.merge(userID, previous, syncable, results)
	if err := e.saveCache(ctx, cache); err != nil {
		return nil, err
	}

	if !cache.PartialFailure() {
		if err := e.events.Publish(ctx, events.Event{
			Type:         events.TypeSyncCompleted,
			UserID:       userID,
			BankCount:    cache.BankCount,
			AccountCount: cache.AccountCount,
		}); err != nil {
			e.logger.Warn("Failed to publish sync completed event", "user_id", userID, "error", err)
		}
	}

	e.logger.Info("Refreshed consolidated accounts",
		"user_id", userID,
		"bank_count", cache.BankCount,
		"account_count", cache.AccountCount,
		"failed_connections", len(cache.Errors))
	return cache, nil
}

// fetchAll runs one balance fetch per connection on the shared worker pool,
// bounded by the per-user concurrency limit.
func (e *AccountEngine) fetchAll(ctx context.Context, userID string, connections []connection.BankConnection) []connectionResult {
	results := make([]connectionResult, len(connections))
	if len(connections) == 0 {
		return results
	}

	limit := e.cfg.MaxConcurrency
	if limit <= 0 || limit > len(connections) {
		limit = len(connections)
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i, conn := range connections {
		i, conn := i, conn
		wg.Add(1)
		sem <- struct{}{}

		task := func() {
			defer wg.Done()
			defer func() { <-sem }()
			snapshots, err := e.fetchOne(ctx, userID, conn)
			results[i] = connectionResult{conn: conn, snapshots: snapshots, err: err}
		}

		if err := e.pool.Submit(task); err != nil {
			// Pool saturated or closed; run inline rather than dropping the fetch
			task()
		}
	}
	wg.Wait()
	return results
}

// fetchOne fetches live snapshots for one connection and keeps the
// connection's status in step with the outcome.
func (e *AccountEngine) fetchOne(ctx context.Context, userID string, conn connection.BankConnection) ([]balance.AccountSnapshot, error) {
	fetchCtx, release := e.tracker.Begin(ctx, conn.ID)
	defer release()

	secret, err := e.registry.Credentials(fetchCtx, userID, conn.ID)
	if err != nil {
		return nil, err
	}

	snapshots, err := e.client.FetchBalances(fetchCtx, secret)
	if err != nil {
		// Retries are already exhausted by the client decorator, so any error
		// here is a per-connection failure worth recording on the connection
		if errors.Is(err, aggregator.ErrItemLoginRequired) {
			if markErr := e.registry.MarkLoginRequired(ctx, userID, conn.ID); markErr != nil {
				e.logger.Error("Failed to mark connection login required", "connection_id", conn.ID.String(), "error", markErr)
			}
		} else if markErr := e.registry.MarkError(ctx, userID, conn.ID, "balance fetch failed: "+err.Error()); markErr != nil {
			e.logger.Error("Failed to mark connection errored", "connection_id", conn.ID.String(), "error", markErr)
		}
		return nil, fmt.Errorf("failed to fetch balances for connection %s: %w", conn.ID, err)
	}

	for i := range snapshots {
		snapshots[i].UserID = userID
		snapshots[i].ConnectionID = conn.ID
	}

	if touchErr := e.registry.TouchUsed(ctx, userID, conn.ID); touchErr != nil {
		e.logger.Warn("Failed to touch connection after balance fetch", "connection_id", conn.ID.String(), "error", touchErr)
	}
	if conn.Status == connection.StatusLoginRequired {
		// A successful fetch proves the credentials work again
		if markErr := e.registry.MarkActive(ctx, userID, conn.ID); markErr != nil {
			e.logger.Warn("Failed to reactivate connection", "connection_id", conn.ID.String(), "error", markErr)
		}
	}
	return snapshots, nil
}

// merge builds the new cache from fetch results, falling back to each failed
// connection's previous snapshot so partial failures degrade instead of
// erasing data.
func (e *AccountEngine) merge(userID string, previous *balance.ConsolidatedCache, connections []connection.BankConnection, results []connectionResult) *balance.ConsolidatedCache {
	prior := make(map[uuid.UUID]balance.InstitutionAccounts)
	if previous != nil {
		for _, inst := range previous.Institutions {
			prior[inst.ConnectionID] = inst
		}
	}

	cache := &balance.ConsolidatedCache{
		UserID:      userID,
		LastUpdated: e.now().UTC(),
		Errors:      make(map[string]string),
	}

	for i, conn := range connections {
		res := results[i]
		inst := balance.InstitutionAccounts{
			ConnectionID:    conn.ID,
			InstitutionID:   conn.InstitutionID,
			InstitutionName: conn.InstitutionName,
			Status:          conn.Status,
		}

		if res.err != nil {
			cache.Errors[conn.ID.String()] = res.err.Error()
			// A failed institution is never healthy, so Recompute leaves its
			// retained accounts out of the merged totals
			if errors.Is(res.err, aggregator.ErrItemLoginRequired) {
				inst.Status = connection.StatusLoginRequired
			} else {
				inst.Status = connection.StatusError
			}
			// Keep the last-known accounts so the user still sees something
			if old, ok := prior[conn.ID]; ok {
				inst.Accounts = old.Accounts
			}
		} else {
			inst.Status = connection.StatusActive
			inst.Accounts = res.snapshots
		}
		cache.Institutions = append(cache.Institutions, inst)
	}

	cache.Recompute()
	if len(cache.Errors) == 0 {
		cache.Errors = nil
	}
	return cache
}

// RemoveConnection drops a revoked connection from the cached view and
// recomputes the totals. Missing cache is fine; there is nothing to remove.
func (e *AccountEngine) RemoveConnection(ctx context.Context, userID string, connID uuid.UUID) error {
	cache, err := e.loadCache(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			return nil
		}
		return err
	}
	if !cache.RemoveConnection(connID) {
		return nil
	}
	return e.saveCache(ctx, cache)
}

func (e *AccountEngine) loadCache(ctx context.Context, userID string) (*balance.ConsolidatedCache, error) {
	data, err := e.store.Get(ctx, userID, storage.KeyAccountsCache)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load accounts cache: %w", err)
	}

	var cache balance.ConsolidatedCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to decode accounts cache: %w", err)
	}
	return &cache, nil
}

func (e *AccountEngine) saveCache(ctx context.Context, cache *balance.ConsolidatedCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to encode accounts cache: %w", err)
	}
	if err := e.store.Put(ctx, cache.UserID, storage.KeyAccountsCache, data); err != nil {
		return fmt.Errorf("failed to persist accounts cache: %w", err)
	}
	return nil
}
