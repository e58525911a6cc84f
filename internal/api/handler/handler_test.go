package handler

import (
	"context"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/bankfeed-aggregator/internal/api/middleware"
	"github.com/bankfeed-aggregator/internal/api/service"
	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
	"github.com/bankfeed-aggregator/internal/syncer"
)

const testUserID = "user-1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// setupTestRouter builds a test engine with the caller identity pre-set
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, testUserID)
	})
	return r
}

type MockLinkService struct {
	mock.Mock
}

func (m *MockLinkService) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockLinkService) ExchangePublicToken(ctx context.Context, userID, publicToken string) (*connection.BankConnection, error) {
	args := m.Called(ctx, userID, publicToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*connection.BankConnection), args.Error(1)
}

type MockAccountService struct {
	mock.Mock
}

func (m *MockAccountService) GetAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, bool, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*balance.ConsolidatedCache), args.Bool(1), args.Error(2)
}

func (m *MockAccountService) RefreshAccounts(ctx context.Context, userID string) (*balance.ConsolidatedCache, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*balance.ConsolidatedCache), args.Error(1)
}

func (m *MockAccountService) DataInfo(ctx context.Context, userID string) (*syncer.DataInfo, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*syncer.DataInfo), args.Error(1)
}

type MockBankService struct {
	mock.Mock
}

func (m *MockBankService) ListBanks(ctx context.Context, userID string) ([]service.BankDetails, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.BankDetails), args.Error(1)
}

func (m *MockBankService) RevokeBanks(ctx context.Context, userID string, connIDs []uuid.UUID) ([]syncer.RevokeResult, map[string]string) {
	args := m.Called(ctx, userID, connIDs)
	var results []syncer.RevokeResult
	if args.Get(0) != nil {
		results = args.Get(0).([]syncer.RevokeResult)
	}
	var failures map[string]string
	if args.Get(1) != nil {
		failures = args.Get(1).(map[string]string)
	}
	return results, failures
}

func (m *MockBankService) AllBankIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockTransactionService struct {
	mock.Mock
}

func (m *MockTransactionService) ListTransactions(ctx context.Context, userID string, days int) ([]transaction.Record, error) {
	args := m.Called(ctx, userID, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]transaction.Record), args.Error(1)
}

func (m *MockTransactionService) Sync(ctx context.Context, userID string, connID uuid.UUID) (*transaction.SyncResult, error) {
	args := m.Called(ctx, userID, connID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transaction.SyncResult), args.Error(1)
}

func (m *MockTransactionService) SyncAll(ctx context.Context, userID string) (map[string]*transaction.SyncResult, map[string]string, error) {
	args := m.Called(ctx, userID)
	var results map[string]*transaction.SyncResult
	if args.Get(0) != nil {
		results = args.Get(0).(map[string]*transaction.SyncResult)
	}
	var failures map[string]string
	if args.Get(1) != nil {
		failures = args.Get(1).(map[string]string)
	}
	return results, failures, args.Error(2)
}

func (m *MockTransactionService) ForceFullResync(ctx context.Context, userID string, connID uuid.UUID) error {
	args := m.Called(ctx, userID, connID)
	return args.Error(0)
}

func (m *MockTransactionService) ResyncStatus(ctx context.Context, userID string, connID uuid.UUID) (*transaction.ResyncStatus, error) {
	args := m.Called(ctx, userID, connID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transaction.ResyncStatus), args.Error(1)
}

var (
	_ service.LinkService        = (*MockLinkService)(nil)
	_ service.AccountService     = (*MockAccountService)(nil)
	_ service.BankService        = (*MockBankService)(nil)
	_ service.TransactionService = (*MockTransactionService)(nil)
)
