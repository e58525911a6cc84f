package syncer

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/events"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/storage/memory"
	"github.com/bankfeed-aggregator/internal/vault"
)

type MockAggregatorClient struct {
	mock.Mock
}

func (m *MockAggregatorClient) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockAggregatorClient) ExchangePublicToken(ctx context.Context, publicToken string) (*aggregator.ExchangeResult, error) {
	args := m.Called(ctx, publicToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.ExchangeResult), args.Error(1)
}

func (m *MockAggregatorClient) FetchBalances(ctx context.Context, accessSecret string) ([]balance.AccountSnapshot, error) {
	args := m.Called(ctx, accessSecret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]balance.AccountSnapshot), args.Error(1)
}

func (m *MockAggregatorClient) SyncTransactions(ctx context.Context, accessSecret, cursor string) (*aggregator.TransactionsPage, error) {
	args := m.Called(ctx, accessSecret, cursor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.TransactionsPage), args.Error(1)
}

var _ aggregator.Client = (*MockAggregatorClient)(nil)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ events.Publisher = (*MockPublisher)(nil)

// testEnv wires the engines against in-memory storage and a mocked upstream
type testEnv struct {
	logger       *slog.Logger
	store        *memory.Gateway
	registry     *registry.Registry
	client       *MockAggregatorClient
	publisher    *MockPublisher
	pool         *ants.Pool
	tracker      *Tracker
	accounts     *AccountEngine
	transactions *TransactionEngine
	revoker      *Revoker
	cfg          *config.SyncConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := memory.NewGateway()

	v, err := vault.New(&config.VaultConfig{Keys: "k1=syncer-test-secret", ActiveKey: "k1"})
	require.NoError(t, err)

	pool, err := ants.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	client := new(MockAggregatorClient)
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()

	reg := registry.New(logger, store, v)
	tracker := NewTracker()
	cfg := &config.SyncConfig{
		AccountsCacheTTL: time.Hour,
		MaxConcurrency:   4,
		MaxPages:         50,
	}

	accounts := NewAccountEngine(logger, store, reg, client, publisher, pool, tracker, cfg)
	transactions := NewTransactionEngine(logger, store, reg, client, pool, tracker, cfg)
	revoker := NewRevoker(logger, store, reg, accounts, tracker, publisher)

	return &testEnv{
		logger:       logger,
		store:        store,
		registry:     reg,
		client:       client,
		publisher:    publisher,
		pool:         pool,
		tracker:      tracker,
		accounts:     accounts,
		transactions: transactions,
		revoker:      revoker,
		cfg:          cfg,
	}
}

// link creates an active connection whose credentials decrypt to rawSecret
func (env *testEnv) link(t *testing.T, userID, institutionID, rawSecret string) *testConnection {
	t.Helper()
	conn, err := env.registry.Create(context.Background(), userID, institutionID, "Bank "+institutionID, rawSecret)
	require.NoError(t, err)
	return &testConnection{ID: conn.ID, UserID: userID, Secret: rawSecret}
}

type testConnection struct {
	ID     uuid.UUID
	UserID string
	Secret string
}

func snapshots(accountIDs []string, current float64) []balance.AccountSnapshot {
	out := make([]balance.AccountSnapshot, len(accountIDs))
	for i, id := range accountIDs {
		out[i] = balance.AccountSnapshot{
			AccountID: id,
			Name:      "Account " + id,
			Type:      "depository",
			Balances:  balance.Balances{Current: current, Currency: "USD"},
		}
	}
	return out
}
