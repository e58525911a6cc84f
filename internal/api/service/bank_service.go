package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/storage"
	"github.com/bankfeed-aggregator/internal/syncer"
)

// bankService implements BankService over the registry and revoker
type bankService struct {
	logger   *slog.Logger
	registry *registry.Registry
	accounts *syncer.AccountEngine
	revoker  *syncer.Revoker
}

// NewBankService creates the bank listing and revocation service
func NewBankService(logger *slog.Logger, reg *registry.Registry, accounts *syncer.AccountEngine, revoker *syncer.Revoker) BankService {
	return &bankService{
		logger:   logger,
		registry: reg,
		accounts: accounts,
		revoker:  revoker,
	}
}

// ListBanks joins the registry's connections with the cached account
// snapshots. A connection that has never synced simply has no accounts yet.
func (s *bankService) ListBanks(ctx context.Context, userID string) ([]BankDetails, error) {
	connections, err := s.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	cachedAccounts := make(map[uuid.UUID][]balance.AccountSnapshot)
	cache, err := s.accounts.Cached(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound{}) {
		return nil, err
	}
	if cache != nil {
		for _, inst := range cache.Institutions {
			cachedAccounts[inst.ConnectionID] = inst.Accounts
		}
	}

	banks := make([]BankDetails, 0, len(connections))
	for _, conn := range connections {
		banks = append(banks, BankDetails{
			Connection: conn,
			Accounts:   cachedAccounts[conn.ID],
		})
	}
	return banks, nil
}

func (s *bankService) RevokeBanks(ctx context.Context, userID string, connIDs []uuid.UUID) ([]syncer.RevokeResult, map[string]string) {
	return s.revoker.RevokeMany(ctx, userID, connIDs)
}

func (s *bankService) AllBankIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	connections, err := s.registry.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(connections))
	for _, conn := range connections {
		ids = append(ids, conn.ID)
	}
	return ids, nil
}
