package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/storage"
)

// ErrSyncPageLimit indicates a sync stopped at the page safety limit with the
// upstream still reporting more changes. The cursor is durable, so the next
// sync resumes where this one stopped.
var ErrSyncPageLimit = errors.New("sync stopped at page limit with more changes pending")

// TransactionEngine pulls each connection's transaction change-feed through a
// durable cursor. Every page's adds, modifies and removes are applied to
// storage before the cursor advances, so a crash between page and cursor
// replays the page instead of skipping it.
type TransactionEngine struct {
	logger   *slog.Logger
	store    storage.Gateway
	registry *registry.Registry
	client   aggregator.Client
	pool     *ants.Pool
	tracker  *Tracker
	cfg      *config.SyncConfig

	// now is swapped in tests
	now func() time.Time
}

// NewTransactionEngine creates the incremental transaction sync engine
func NewTransactionEngine(
	logger *slog.Logger,
	store storage.Gateway,
	reg *registry.Registry,
	client aggregator.Client,
	pool *ants.Pool,
	tracker *Tracker,
	cfg *config.SyncConfig,
) *TransactionEngine {
	return &TransactionEngine{
		logger:   logger,
		store:    store,
		registry: reg,
		client:   client,
		pool:     pool,
		tracker:  tracker,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Sync pulls and applies all pending transaction changes for one connection
func (e *TransactionEngine) Sync(ctx context.Context, userID string, connID uuid.UUID) (*transaction.SyncResult, error) {
	conn, err := e.registry.Get(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	if !conn.Syncable() {
		return nil, fmt.Errorf("connection %s is not syncable (status %s)", connID, conn.Status)
	}

	syncCtx, release := e.tracker.Begin(ctx, connID)
	defer release()

	secret, err := e.registry.Credentials(syncCtx, userID, connID)
	if err != nil {
		return nil, err
	}

	cursor, err := e.loadCursor(syncCtx, userID, connID)
	if err != nil {
		return nil, err
	}

	result, err := e.pullPages(syncCtx, userID, connID, secret, cursor)
	if err != nil {
		if errors.Is(err, aggregator.ErrItemLoginRequired) {
			if markErr := e.registry.MarkLoginRequired(ctx, userID, connID); markErr != nil {
				e.logger.Error("Failed to mark connection login required", "connection_id", connID.String(), "error", markErr)
			}
		}
		return nil, err
	}

	if touchErr := e.registry.TouchUsed(ctx, userID, connID); touchErr != nil {
		e.logger.Warn("Failed to touch connection after transaction sync", "connection_id", connID.String(), "error", touchErr)
	}
	if conn.Status == connection.StatusLoginRequired {
		if markErr := e.registry.MarkActive(ctx, userID, connID); markErr != nil {
			e.logger.Warn("Failed to reactivate connection", "connection_id", connID.String(), "error", markErr)
		}
	}

	e.logger.Info("Transaction sync completed",
		"connection_id", connID.String(),
		"user_id", userID,
		"added", result.Added,
		"modified", result.Modified,
		"removed", result.Removed,
		"pages", result.Pages)
	return result, nil
}

// pullPages walks the change-feed from cursor, applying each page durably
// before advancing. Stops at the configured page limit as a runaway guard.
func (e *TransactionEngine) pullPages(ctx context.Context, userID string, connID uuid.UUID, secret, cursor string) (*transaction.SyncResult, error) {
	result := &transaction.SyncResult{}

	for {
		// Revocation and shutdown cancel between pages; the cursor from the
		// last applied page is durable, so aborting here loses nothing
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transaction sync aborted for connection %s: %w", connID, err)
		}

		if e.cfg.MaxPages > 0 && result.Pages >= e.cfg.MaxPages {
			result.HasMore = true
			return result, fmt.Errorf("%w: connection %s after %d pages", ErrSyncPageLimit, connID, result.Pages)
		}

		page, err := e.client.SyncTransactions(ctx, secret, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to sync transactions for connection %s: %w", connID, err)
		}

		if err := e.applyPage(ctx, userID, connID, page); err != nil {
			return nil, err
		}

		// Cursor advances only after the page is durably applied
		if err := e.saveCursor(ctx, userID, connID, page.NextCursor); err != nil {
			return nil, err
		}
		cursor = page.NextCursor

		result.Pages++
		result.Added += len(page.Added)
		result.Modified += len(page.Modified)
		result.Removed += len(page.RemovedIDs)

		if !page.HasMore {
			return result, nil
		}
	}
}

// applyPage reconciles one page of changes into storage. Adds and modifies
// are both wholesale upserts; removes delete the record and tolerate its
// absence so a replayed page applies cleanly.
func (e *TransactionEngine) applyPage(ctx context.Context, userID string, connID uuid.UUID, page *aggregator.TransactionsPage) error {
	upsert := func(rec transaction.Record) error {
		rec.ConnectionID = connID
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode transaction %s: %w", rec.TransactionID, err)
		}
		if err := e.store.Put(ctx, userID, storage.TransactionKey(connID.String(), rec.TransactionID), data); err != nil {
			return fmt.Errorf("failed to persist transaction %s: %w", rec.TransactionID, err)
		}
		return nil
	}

	for _, rec := range page.Added {
		if err := upsert(rec); err != nil {
			return err
		}
	}
	for _, rec := range page.Modified {
		if err := upsert(rec); err != nil {
			return err
		}
	}
	for _, id := range page.RemovedIDs {
		if err := e.store.Delete(ctx, userID, storage.TransactionKey(connID.String(), id)); err != nil {
			return fmt.Errorf("failed to delete transaction %s: %w", id, err)
		}
	}
	return nil
}

// SyncAll syncs every syncable connection for the user on the shared worker
// pool, bounded by the per-user concurrency limit. Failures are isolated per
// connection and reported alongside the successes.
func (e *TransactionEngine) SyncAll(ctx context.Context, userID string) (map[string]*transaction.SyncResult, map[string]string, error) {
	connections, err := e.registry.List(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	var syncable []connection.BankConnection
	for _, conn := range connections {
		if conn.Syncable() {
			syncable = append(syncable, conn)
		}
	}

	results := make(map[string]*transaction.SyncResult)
	failures := make(map[string]string)
	if len(syncable) == 0 {
		return results, failures, nil
	}

	limit := e.cfg.MaxConcurrency
	if limit <= 0 || limit > len(syncable) {
		limit = len(syncable)
	}
	sem := make(chan struct{}, limit)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, conn := range syncable {
		conn := conn
		wg.Add(1)
		sem <- struct{}{}

		task := func() {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := e.Sync(ctx, userID, conn.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[conn.ID.String()] = err.Error()
				return
			}
			results[conn.ID.String()] = result
		}

		if err := e.pool.Submit(task); err != nil {
			// Pool saturated or closed; run inline rather than dropping the sync
			task()
		}
	}
	wg.Wait()
	return results, failures, nil
}

// ForceFullResync discards the connection's cursor and transactions, then
// replays the full history in the background. Callers poll ResyncStatus for
// the outcome. Returns an error if a resync is already running.
func (e *TransactionEngine) ForceFullResync(ctx context.Context, userID string, connID uuid.UUID) error {
	conn, err := e.registry.Get(ctx, userID, connID)
	if err != nil {
		return err
	}
	if !conn.Syncable() {
		return fmt.Errorf("connection %s is not syncable (status %s)", connID, conn.Status)
	}

	if status, err := e.ResyncStatus(ctx, userID, connID); err == nil && status.State == transaction.ResyncStateRunning {
		return fmt.Errorf("resync already running for connection %s", connID)
	}

	status := &transaction.ResyncStatus{
		ConnectionID: connID,
		State:        transaction.ResyncStateRunning,
		StartedAt:    e.now().UTC(),
	}
	if err := e.saveResyncStatus(ctx, userID, status); err != nil {
		return err
	}

	// The resync outlives the request; it is cancellable only through the
	// tracker (revocation) or process shutdown.
	resyncCtx, release := e.tracker.Begin(context.WithoutCancel(ctx), connID)
	go func() {
		defer release()
		e.runFullResync(resyncCtx, userID, connID, status)
	}()
	return nil
}

// runFullResync wipes the connection's synced state and replays history
func (e *TransactionEngine) runFullResync(ctx context.Context, userID string, connID uuid.UUID, status *transaction.ResyncStatus) {
	finish := func(result *transaction.SyncResult, runErr error) {
		now := e.now().UTC()
		status.FinishedAt = &now
		status.Result = result
		if runErr != nil {
			status.State = transaction.ResyncStateFailed
			status.Error = runErr.Error()
		} else {
			status.State = transaction.ResyncStateCompleted
		}
		if err := e.saveResyncStatus(context.WithoutCancel(ctx), userID, status); err != nil {
			e.logger.Error("Failed to persist resync status", "connection_id", connID.String(), "error", err)
		}
	}

	removed, err := e.store.DeletePrefix(ctx, userID, storage.TransactionKeyPrefix(connID.String()))
	if err != nil {
		finish(nil, fmt.Errorf("failed to clear transactions before resync: %w", err))
		return
	}
	if err := e.store.Delete(ctx, userID, storage.CursorKey(connID.String())); err != nil {
		finish(nil, fmt.Errorf("failed to clear cursor before resync: %w", err))
		return
	}
	e.logger.Info("Cleared connection state for full resync",
		"connection_id", connID.String(),
		"user_id", userID,
		"removed_transactions", removed)

	secret, err := e.registry.Credentials(ctx, userID, connID)
	if err != nil {
		finish(nil, err)
		return
	}

	result, err := e.pullPages(ctx, userID, connID, secret, "")
	if err != nil {
		if errors.Is(err, aggregator.ErrItemLoginRequired) {
			if markErr := e.registry.MarkLoginRequired(ctx, userID, connID); markErr != nil {
				e.logger.Error("Failed to mark connection login required", "connection_id", connID.String(), "error", markErr)
			}
		}
		finish(result, err)
		return
	}
	finish(result, nil)
}

// ResyncStatus returns the latest background resync status for the connection
func (e *TransactionEngine) ResyncStatus(ctx context.Context, userID string, connID uuid.UUID) (*transaction.ResyncStatus, error) {
	data, err := e.store.Get(ctx, userID, storage.ResyncKey(connID.String()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load resync status: %w", err)
	}

	var status transaction.ResyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode resync status: %w", err)
	}
	return &status, nil
}

// List returns the user's synced transactions across all connections, newest
// first, restricted to the trailing window of whole days.
func (e *TransactionEngine) List(ctx context.Context, userID string, days int) ([]transaction.Record, error) {
	records, err := e.store.Query(ctx, userID, storage.KeyTransactionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	var cutoff string
	if days > 0 {
		cutoff = e.now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	}

	transactions := make([]transaction.Record, 0, len(records))
	for _, rec := range records {
		var txn transaction.Record
		if err := json.Unmarshal(rec.Data, &txn); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", rec.Key, err)
		}
		if cutoff != "" && txn.Date < cutoff {
			continue
		}
		transactions = append(transactions, txn)
	}

	sort.Slice(transactions, func(i, j int) bool {
		if transactions[i].Date != transactions[j].Date {
			return transactions[i].Date > transactions[j].Date
		}
		return transactions[i].TransactionID < transactions[j].TransactionID
	})
	return transactions, nil
}

func (e *TransactionEngine) loadCursor(ctx context.Context, userID string, connID uuid.UUID) (string, error) {
	data, err := e.store.Get(ctx, userID, storage.CursorKey(connID.String()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			// First sync for this connection starts at the beginning of history
			return "", nil
		}
		return "", fmt.Errorf("failed to load sync cursor: %w", err)
	}

	var cursor transaction.SyncCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return "", fmt.Errorf("failed to decode sync cursor: %w", err)
	}
	return cursor.Cursor, nil
}

func (e *TransactionEngine) saveCursor(ctx context.Context, userID string, connID uuid.UUID, value string) error {
	cursor := transaction.SyncCursor{
		ConnectionID: connID,
		Cursor:       value,
		LastSyncedAt: e.now().UTC(),
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode sync cursor: %w", err)
	}
	if err := e.store.Put(ctx, userID, storage.CursorKey(connID.String()), data); err != nil {
		return fmt.Errorf("failed to persist sync cursor: %w", err)
	}
	return nil
}

func (e *TransactionEngine) saveResyncStatus(ctx context.Context, userID string, status *transaction.ResyncStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode resync status: %w", err)
	}
	if err := e.store.Put(ctx, userID, storage.ResyncKey(status.ConnectionID.String()), data); err != nil {
		return fmt.Errorf("failed to persist resync status: %w", err)
	}
	return nil
}
