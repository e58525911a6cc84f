package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/events"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/storage"
)

// Revoker unlinks bank connections: it cancels in-flight syncs, wipes the
// stored credential, deletes the connection's synced data and removes it from
// the cached consolidated view. Revoking an already-revoked or unknown
// connection is a no-op.
type Revoker struct {
	logger   *slog.Logger
	store    storage.Gateway
	registry *registry.Registry
	accounts *AccountEngine
	tracker  *Tracker
	events   events.Publisher
}

// NewRevoker creates the revocation coordinator
func NewRevoker(
	logger *slog.Logger,
	store storage.Gateway,
	reg *registry.Registry,
	accounts *AccountEngine,
	tracker *Tracker,
	publisher events.Publisher,
) *Revoker {
	return &Revoker{
		logger:   logger,
		store:    store,
		registry: reg,
		accounts: accounts,
		tracker:  tracker,
		events:   publisher,
	}
}

// RevokeResult summarises one revocation request
type RevokeResult struct {
	ConnectionID        uuid.UUID `json:"connection_id"`
	Revoked             bool      `json:"revoked"`
	CancelledSyncs      int       `json:"cancelled_syncs,omitempty"`
	RemovedTransactions int       `json:"removed_transactions,omitempty"`
}

// Revoke unlinks one connection. The credential is wiped first so no new
// syncs can start, then the connection's synced data is deleted and the
// cached view updated.
func (r *Revoker) Revoke(ctx context.Context, userID string, connID uuid.UUID) (*RevokeResult, error) {
	result := &RevokeResult{ConnectionID: connID}

	// Cancel in-flight syncs and wait for each to stop before wiping, so no
	// sync can re-persist a cursor or transaction record after cleanup
	result.CancelledSyncs = r.tracker.CancelAndWait(connID)

	revoked, err := r.registry.Wipe(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	result.Revoked = revoked
	if !revoked {
		return result, nil
	}

	if err := r.cleanup(ctx, userID, connID, result); err != nil {
		return nil, err
	}

	if err := r.events.Publish(ctx, events.Event{
		Type:         events.TypeConnectionRevoked,
		UserID:       userID,
		ConnectionID: connID.String(),
	}); err != nil {
		r.logger.Warn("Failed to publish connection revoked event", "connection_id", connID.String(), "error", err)
	}

	r.logger.Info("Revoked bank connection",
		"connection_id", connID.String(),
		"user_id", userID,
		"cancelled_syncs", result.CancelledSyncs,
		"removed_transactions", result.RemovedTransactions)
	return result, nil
}

// RevokeMany unlinks several connections in one call. Each connection is
// revoked independently; one failure does not stop the rest.
func (r *Revoker) RevokeMany(ctx context.Context, userID string, connIDs []uuid.UUID) ([]RevokeResult, map[string]string) {
	results := make([]RevokeResult, 0, len(connIDs))
	failures := make(map[string]string)

	for _, connID := range connIDs {
		result, err := r.Revoke(ctx, userID, connID)
		if err != nil {
			failures[connID.String()] = err.Error()
			continue
		}
		results = append(results, *result)
	}
	return results, failures
}

// cleanup removes the connection's synced state and cached view entry
func (r *Revoker) cleanup(ctx context.Context, userID string, connID uuid.UUID, result *RevokeResult) error {
	removed, err := r.store.DeletePrefix(ctx, userID, storage.TransactionKeyPrefix(connID.String()))
	if err != nil {
		return fmt.Errorf("failed to delete transactions for connection %s: %w", connID, err)
	}
	result.RemovedTransactions = removed

	if err := r.store.Delete(ctx, userID, storage.CursorKey(connID.String())); err != nil {
		return fmt.Errorf("failed to delete sync cursor for connection %s: %w", connID, err)
	}
	if err := r.store.Delete(ctx, userID, storage.ResyncKey(connID.String())); err != nil {
		return fmt.Errorf("failed to delete resync status for connection %s: %w", connID, err)
	}

	if err := r.accounts.RemoveConnection(ctx, userID, connID); err != nil {
		return fmt.Errorf("failed to remove connection %s from accounts cache: %w", connID, err)
	}
	return nil
}
