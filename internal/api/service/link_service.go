package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/registry"
	"github.com/bankfeed-aggregator/internal/syncer"
)

// linkService implements LinkService over the aggregator client and registry
type linkService struct {
	logger   *slog.Logger
	client   aggregator.Client
	registry *registry.Registry
	accounts *syncer.AccountEngine
}

// NewLinkService creates the link flow service
func NewLinkService(logger *slog.Logger, client aggregator.Client, reg *registry.Registry, accounts *syncer.AccountEngine) LinkService {
	return &linkService{
		logger:   logger,
		client:   client,
		registry: reg,
		accounts: accounts,
	}
}

func (s *linkService) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	token, err := s.client.CreateLinkToken(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to create link token: %w", err)
	}
	return token, nil
}

// ExchangePublicToken completes the link flow. The raw access secret only
// ever passes from the aggregator response into the vault; it is never
// persisted or logged in the clear.
func (s *linkService) ExchangePublicToken(ctx context.Context, userID, publicToken string) (*connection.BankConnection, error) {
	exchange, err := s.client.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange public token: %w", err)
	}

	conn, err := s.registry.Create(ctx, userID, exchange.InstitutionID, exchange.InstitutionName, exchange.AccessSecret)
	if err != nil {
		return nil, err
	}

	// The cached consolidated view no longer covers every linked bank
	if err := s.accounts.MarkStale(ctx, userID); err != nil {
		s.logger.Warn("Failed to mark accounts cache stale after link", "user_id", userID, "error", err)
	}
	return conn, nil
}
