package service

import (
	"context"

	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/syncer"
)

// accountService implements AccountService over the account sync engine
type accountService struct {
	accounts *syncer.AccountEngine
}

// NewAccountService creates the consolidated accounts service
func NewAccountService(accounts *syncer.AccountEngine) AccountService {
	return &accountService{accounts: accounts}
}

func (s *accountService) GetAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, bool, error) {
	return s.accounts.GetAccounts(ctx, userID)
}

func (s *accountService) RefreshAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, error) {
	return s.accounts.Refresh(ctx, userID)
}

func (s *accountService) DataInfo(ctx context.Context, userID string) (*syncer.DataInfo, error) {
	return s.accounts.DataInfo(ctx, userID)
}
