// Package service exposes the narrow contracts the HTTP handlers consume and
// binds them to the registry and sync engines.
package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
	"github.com/bankfeed-aggregator/internal/syncer"
)

// LinkService drives the bank link flow
type LinkService interface {
	// CreateLinkToken starts a link session with the upstream aggregator
	CreateLinkToken(ctx context.Context, userID string) (string, error)

	// ExchangePublicToken completes the link flow: it trades the public token
	// for a long-lived secret and registers the new connection
	ExchangePublicToken(ctx context.Context, userID, publicToken string) (*connection.BankConnection, error)
}

// AccountService serves consolidated balances
type AccountService interface {
	// GetAccounts returns the consolidated view, cached when fresh. The bool
	// reports whether the cached copy was served.
	GetAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, bool, error)

	// RefreshAccounts rebuilds the consolidated view from live data
	RefreshAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, error)

	// DataInfo reports cache freshness without refreshing
	DataInfo(ctx context.Context, userID string) (*syncer.DataInfo, error)
}

// BankDetails pairs a connection with its cached account snapshots
type BankDetails struct {
	Connection connection.BankConnection
	Accounts   []balance.AccountSnapshot
}

// BankService lists and unlinks bank connections
type BankService interface {
	// ListBanks returns the user's linked banks with cached accounts attached
	ListBanks(ctx context.Context, userID string) ([]BankDetails, error)

	// RevokeBanks unlinks the given connections, isolating failures per bank
	RevokeBanks(ctx context.Context, userID string, connIDs []uuid.UUID) ([]syncer.RevokeResult, map[string]string)

	// AllBankIDs returns every non-revoked connection id (for bank_ids=all)
	AllBankIDs(ctx context.Context, userID string) ([]uuid.UUID, error)
}

// TransactionService drives the incremental transaction sync
type TransactionService interface {
	// ListTransactions returns synced records within the trailing day window
	ListTransactions(ctx context.Context, userID string, days int) ([]transaction.Record, error)

	// Sync pulls pending changes for one connection
	Sync(ctx context.Context, userID string, connID uuid.UUID) (*transaction.SyncResult, error)

	// SyncAll syncs every syncable connection with per-connection isolation
	SyncAll(ctx context.Context, userID string) (map[string]*transaction.SyncResult, map[string]string, error)

	// ForceFullResync wipes and replays one connection's history in the background
	ForceFullResync(ctx context.Context, userID string, connID uuid.UUID) error

	// ResyncStatus reports the background resync's progress
	ResyncStatus(ctx context.Context, userID string, connID uuid.UUID) (*transaction.ResyncStatus, error)
}
