package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
)

// HTTPClient adapts the hosted aggregator API to the Client interface. The
// environment-specific base URL and credentials are injected from config; no
// global toggles.
type HTTPClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewHTTPClient creates a hosted aggregator client for the configured environment
func NewHTTPClient(logger *slog.Logger, cfg *config.AggregatorConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:       logger,
	}
}

type errorEnvelope struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// CreateLinkToken starts a link flow for the user
func (c *HTTPClient) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	var out struct {
		LinkToken string `json:"link_token"`
	}
	err := c.post(ctx, "/link/token/create", map[string]interface{}{
		"user": map[string]string{"client_user_id": userID},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.LinkToken, nil
}

// ExchangePublicToken trades a public token for the access secret
func (c *HTTPClient) ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResult, error) {
	var out struct {
		AccessToken     string `json:"access_token"`
		InstitutionID   string `json:"institution_id"`
		InstitutionName string `json:"institution_name"`
	}
	err := c.post(ctx, "/item/public_token/exchange", map[string]interface{}{
		"public_token": publicToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &ExchangeResult{
		AccessSecret:    out.AccessToken,
		InstitutionID:   out.InstitutionID,
		InstitutionName: out.InstitutionName,
	}, nil
}

// FetchBalances returns the current account snapshots for one connection
func (c *HTTPClient) FetchBalances(ctx context.Context, accessSecret string) ([]balance.AccountSnapshot, error) {
	var out struct {
		Accounts []balance.AccountSnapshot `json:"accounts"`
	}
	err := c.post(ctx, "/accounts/balance/get", map[string]interface{}{
		"access_token": accessSecret,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// SyncTransactions returns the next page of transaction changes after cursor
func (c *HTTPClient) SyncTransactions(ctx context.Context, accessSecret, cursor string) (*TransactionsPage, error) {
	var out struct {
		Added      []transactionPayload `json:"added"`
		Modified   []transactionPayload `json:"modified"`
		Removed    []removedPayload     `json:"removed"`
		NextCursor string               `json:"next_cursor"`
		HasMore    bool                 `json:"has_more"`
	}
	err := c.post(ctx, "/transactions/sync", map[string]interface{}{
		"access_token": accessSecret,
		"cursor":       cursor,
	}, &out)
	if err != nil {
		return nil, err
	}

	page := &TransactionsPage{
		NextCursor: out.NextCursor,
		HasMore:    out.HasMore,
	}
	for _, p := range out.Added {
		page.Added = append(page.Added, p.record())
	}
	for _, p := range out.Modified {
		page.Modified = append(page.Modified, p.record())
	}
	for _, p := range out.Removed {
		page.RemovedIDs = append(page.RemovedIDs, p.TransactionID)
	}
	return page, nil
}

// post issues one JSON request, classifying failures into the sentinel errors
func (c *HTTPClient) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	body["client_id"] = c.clientID
	body["secret"] = c.clientSecret

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal aggregator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build aggregator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are worth retrying.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.classify(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode aggregator response from %s: %w", path, err)
	}
	return nil
}

// classify maps an upstream error response onto the sentinel taxonomy
func (c *HTTPClient) classify(resp *http.Response) error {
	var envelope errorEnvelope
	_ = json.NewDecoder(resp.Body).Decode(&envelope)

	switch {
	case envelope.ErrorCode == "ITEM_LOGIN_REQUIRED":
		return fmt.Errorf("%w: %s", ErrItemLoginRequired, envelope.ErrorMessage)
	case resp.StatusCode == http.StatusTooManyRequests || envelope.ErrorType == "RATE_LIMIT_EXCEEDED":
		return fmt.Errorf("%w: %s", ErrRateLimited, envelope.ErrorMessage)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, envelope.ErrorMessage)
	default:
		return fmt.Errorf("%w: %s %s (status %d)", ErrItem, envelope.ErrorCode, envelope.ErrorMessage, resp.StatusCode)
	}
}

// transactionPayload is the wire shape of one transaction change
type transactionPayload struct {
	TransactionID  string   `json:"transaction_id"`
	AccountID      string   `json:"account_id"`
	Amount         float64  `json:"amount"`
	ISOCurrency    string   `json:"iso_currency_code"`
	Date           string   `json:"date"`
	AuthorizedDate string   `json:"authorized_date"`
	Pending        bool     `json:"pending"`
	Category       []string `json:"category"`
	MerchantName   string   `json:"merchant_name"`
	PaymentChannel string   `json:"payment_channel"`
	Location       struct {
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
	} `json:"location"`
}

type removedPayload struct {
	TransactionID string `json:"transaction_id"`
}

func (p transactionPayload) record() transaction.Record {
	return transaction.Record{
		TransactionID:  p.TransactionID,
		AccountID:      p.AccountID,
		Amount:         p.Amount,
		ISOCurrency:    p.ISOCurrency,
		Date:           p.Date,
		AuthorizedDate: p.AuthorizedDate,
		Pending:        p.Pending,
		Category:       p.Category,
		MerchantName:   p.MerchantName,
		PaymentChannel: p.PaymentChannel,
		Location: transaction.Location{
			City:    p.Location.City,
			Region:  p.Location.Region,
			Country: p.Location.Country,
		},
	}
}

var _ Client = (*HTTPClient)(nil)
