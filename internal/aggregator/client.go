// Package aggregator defines the narrow contract to the upstream
// financial-data aggregator. The sync engines call it through this interface
// only; concrete adapters (hosted HTTP, sandbox) and the retry decorator live
// alongside it.
package aggregator

import (
	"context"
	"errors"

	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
)

// Upstream failure classes. Adapters wrap these sentinels so engines can
// classify with errors.Is without knowing the wire protocol.
var (
	// ErrItemLoginRequired means the institution wants the user to
	// re-authenticate; recoverable by the user, not by retrying
	ErrItemLoginRequired = errors.New("aggregator: item login required")
	// ErrRateLimited means the upstream throttled the request
	ErrRateLimited = errors.New("aggregator: rate limited")
	// ErrTransient means a retryable upstream or network failure
	ErrTransient = errors.New("aggregator: transient upstream error")
	// ErrItem means a non-retryable item-level failure
	ErrItem = errors.New("aggregator: item error")
)

// ExchangeResult is what a successful public-token exchange yields
type ExchangeResult struct {
	AccessSecret    string
	InstitutionID   string
	InstitutionName string
}

// TransactionsPage is one page of the incremental transaction change-feed
type TransactionsPage struct {
	Added      []transaction.Record
	Modified   []transaction.Record
	RemovedIDs []string
	NextCursor string
	HasMore    bool
}

// Client is the minimal aggregator contract the rest of the system consumes
type Client interface {
	// CreateLinkToken starts a link flow for the user
	CreateLinkToken(ctx context.Context, userID string) (string, error)

	// ExchangePublicToken trades the link flow's public token for the
	// long-lived access secret and institution identity
	ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResult, error)

	// FetchBalances returns the current account snapshots for one connection
	FetchBalances(ctx context.Context, accessSecret string) ([]balance.AccountSnapshot, error)

	// SyncTransactions returns the next page of transaction changes after
	// cursor; an empty cursor means start of history
	SyncTransactions(ctx context.Context, accessSecret, cursor string) (*TransactionsPage, error)
}

// Retryable reports whether the error class is worth retrying
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
