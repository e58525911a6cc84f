package aggregator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
)

// Sandbox is a deterministic in-process aggregator used when
// AGGREGATOR_ENV=sandbox. It lets the full link/sync flow run locally with no
// upstream connectivity: each exchange mints a fresh institution, balances and
// an initial transaction feed derive from the minted secret.
type Sandbox struct {
	seq atomic.Int64
}

// NewSandbox creates a sandbox aggregator
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// CreateLinkToken returns a synthetic link token for the user
func (s *Sandbox) CreateLinkToken(_ context.Context, userID string) (string, error) {
	return fmt.Sprintf("link-sandbox-%s-%d", userID, s.seq.Add(1)), nil
}

// ExchangePublicToken mints a sandbox institution and access secret
func (s *Sandbox) ExchangePublicToken(_ context.Context, publicToken string) (*ExchangeResult, error) {
	if publicToken == "" {
		return nil, fmt.Errorf("%w: empty public token", ErrItem)
	}
	n := s.seq.Add(1)
	return &ExchangeResult{
		AccessSecret:    fmt.Sprintf("access-sandbox-%d", n),
		InstitutionID:   fmt.Sprintf("ins_sandbox_%d", n),
		InstitutionName: fmt.Sprintf("Sandbox Bank %d", n),
	}, nil
}

// FetchBalances returns a fixed checking/savings pair per connection.
// A secret containing "login-required" simulates an institution demanding
// re-authentication, for exercising partial-failure paths locally.
func (s *Sandbox) FetchBalances(_ context.Context, accessSecret string) ([]balance.AccountSnapshot, error) {
	if accessSecret == "" {
		return nil, fmt.Errorf("%w: empty access secret", ErrItem)
	}
	if strings.Contains(accessSecret, "login-required") {
		return nil, fmt.Errorf("%w: sandbox forced login", ErrItemLoginRequired)
	}

	available := 1250.50
	return []balance.AccountSnapshot{
		{
			AccountID: accessSecret + "-checking",
			Name:      "Sandbox Checking",
			Type:      "depository",
			Subtype:   "checking",
			Mask:      "0001",
			Balances: balance.Balances{
				Available: &available,
				Current:   1274.93,
				Currency:  "USD",
			},
		},
		{
			AccountID: accessSecret + "-savings",
			Name:      "Sandbox Savings",
			Type:      "depository",
			Subtype:   "savings",
			Mask:      "0002",
			Balances: balance.Balances{
				Current:  8100.00,
				Currency: "USD",
			},
		},
	}, nil
}

// SyncTransactions serves a two-page initial feed, then an empty delta
func (s *Sandbox) SyncTransactions(_ context.Context, accessSecret, cursor string) (*TransactionsPage, error) {
	if accessSecret == "" {
		return nil, fmt.Errorf("%w: empty access secret", ErrItem)
	}

	switch cursor {
	case "":
		return &TransactionsPage{
			Added: []transaction.Record{
				{
					TransactionID: accessSecret + "-txn-1",
					AccountID:     accessSecret + "-checking",
					Amount:        4.25,
					Date:          "2024-05-01",
					Pending:       true,
					Category:      []string{"Food and Drink", "Coffee"},
					MerchantName:  "Sandbox Coffee",
					Location:      transaction.Location{City: "Springfield", Region: "IL", Country: "US"},
				},
				{
					TransactionID: accessSecret + "-txn-2",
					AccountID:     accessSecret + "-checking",
					Amount:        52.80,
					Date:          "2024-05-02",
					Category:      []string{"Shops", "Supermarkets"},
					MerchantName:  "Sandbox Grocer",
				},
			},
			NextCursor: "sandbox-cursor-1",
			HasMore:    true,
		}, nil
	case "sandbox-cursor-1":
		// The pending coffee charge posts on the second page.
		return &TransactionsPage{
			Modified: []transaction.Record{
				{
					TransactionID: accessSecret + "-txn-1",
					AccountID:     accessSecret + "-checking",
					Amount:        4.25,
					Date:          "2024-05-01",
					Pending:       false,
					Category:      []string{"Food and Drink", "Coffee"},
					MerchantName:  "Sandbox Coffee",
				},
			},
			NextCursor: "sandbox-cursor-2",
			HasMore:    false,
		}, nil
	default:
		return &TransactionsPage{NextCursor: cursor, HasMore: false}, nil
	}
}

var _ Client = (*Sandbox)(nil)
