package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/domain/balance"
)

// RetryingClient decorates a Client with bounded exponential backoff on the
// data-plane calls. Transient and rate-limit failures are retried; everything
// else (login required, item errors) passes straight through. Link-flow calls
// are user-interactive and not retried.
type RetryingClient struct {
	inner      Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewRetryingClient wraps a client with the configured retry policy
func NewRetryingClient(logger *slog.Logger, inner Client, cfg *config.AggregatorConfig) *RetryingClient {
	return &RetryingClient{
		inner:      inner,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
	}
}

// CreateLinkToken passes through without retries
func (c *RetryingClient) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	return c.inner.CreateLinkToken(ctx, userID)
}

// ExchangePublicToken passes through without retries; public tokens are
// short-lived and the link UI owns the retry loop
func (c *RetryingClient) ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResult, error) {
	return c.inner.ExchangePublicToken(ctx, publicToken)
}

// FetchBalances retries transient failures with exponential backoff
func (c *RetryingClient) FetchBalances(ctx context.Context, accessSecret string) ([]balance.AccountSnapshot, error) {
	var snapshots []balance.AccountSnapshot
	err := c.withRetries(ctx, "FetchBalances", func() error {
		var err error
		snapshots, err = c.inner.FetchBalances(ctx, accessSecret)
		return err
	})
	return snapshots, err
}

// SyncTransactions retries transient failures with exponential backoff
func (c *RetryingClient) SyncTransactions(ctx context.Context, accessSecret, cursor string) (*TransactionsPage, error) {
	var page *TransactionsPage
	err := c.withRetries(ctx, "SyncTransactions", func() error {
		var err error
		page, err = c.inner.SyncTransactions(ctx, accessSecret, cursor)
		return err
	})
	return page, err
}

// withRetries runs fn up to maxRetries+1 times, doubling the delay after each
// retryable failure and honoring context cancellation between attempts
func (c *RetryingClient) withRetries(ctx context.Context, op string, fn func() error) error {
	delay := c.baseDelay

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt >= c.maxRetries {
			c.logger.Warn("Upstream retries exhausted",
				"operation", op,
				"attempts", attempt+1,
				"error", err)
			return err
		}

		c.logger.Debug("Retrying upstream call",
			"operation", op,
			"attempt", attempt+1,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

var _ Client = (*RetryingClient)(nil)
