package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/domain/transaction"
	"github.com/bankfeed-aggregator/internal/syncer"
)

// transactionService implements TransactionService over the transaction engine
type transactionService struct {
	transactions *syncer.TransactionEngine
}

// NewTransactionService creates the transaction sync service
func NewTransactionService(transactions *syncer.TransactionEngine) TransactionService {
	return &transactionService{transactions: transactions}
}

func (s *transactionService) ListTransactions(ctx context.Context, userID string, days int) ([]transaction.Record, error) {
	return s.transactions.List(ctx, userID, days)
}

func (s *transactionService) Sync(ctx context.Context, userID string, connID uuid.UUID) (*transaction.SyncResult, error) {
	return s.transactions.Sync(ctx, userID, connID)
}

func (s *transactionService) SyncAll(ctx context.Context, userID string) (map[string]*transaction.SyncResult, map[string]string, error) {
	return s.transactions.SyncAll(ctx, userID)
}

func (s *transactionService) ForceFullResync(ctx context.Context, userID string, connID uuid.UUID) error {
	return s.transactions.ForceFullResync(ctx, userID, connID)
}

func (s *transactionService) ResyncStatus(ctx context.Context, userID string, connID uuid.UUID) (*transaction.ResyncStatus, error) {
	return s.transactions.ResyncStatus(ctx, userID, connID)
}
