package handler

import (
	"time"

	"github.com/bankfeed-aggregator/internal/api/service"
	"github.com/bankfeed-aggregator/internal/domain/balance"
	"github.com/bankfeed-aggregator/internal/domain/transaction"
	"github.com/bankfeed-aggregator/internal/syncer"
)

// LinkTokenResponse carries the token that starts a client link flow
type LinkTokenResponse struct {
	LinkToken string `json:"link_token"`
}

// ExchangeRequest represents a request to complete the link flow
type ExchangeRequest struct {
	PublicToken string `json:"public_token" binding:"required"`
}

// ExchangeResponse represents a newly linked bank connection
type ExchangeResponse struct {
	ItemID          string `json:"item_id"`
	InstitutionID   string `json:"institution_id"`
	InstitutionName string `json:"institution_name"`
	Status          string `json:"status"`
}

// BalancesResponse represents one account's balance figures
type BalancesResponse struct {
	Available *float64 `json:"available"`
	Current   float64  `json:"current"`
	Limit     *float64 `json:"limit,omitempty"`
	Currency  string   `json:"currency"`
}

// AccountResponse represents one external account in API responses
type AccountResponse struct {
	AccountID    string           `json:"account_id"`
	Name         string           `json:"name"`
	OfficialName string           `json:"official_name,omitempty"`
	Type         string           `json:"type"`
	Subtype      string           `json:"subtype,omitempty"`
	Mask         string           `json:"mask,omitempty"`
	Balances     BalancesResponse `json:"balances"`
}

// InstitutionResponse groups one bank's accounts in the consolidated view
type InstitutionResponse struct {
	ItemID          string            `json:"item_id"`
	InstitutionID   string            `json:"institution_id"`
	InstitutionName string            `json:"institution_name"`
	Status          string            `json:"status"`
	SubtotalCurrent float64           `json:"subtotal_current"`
	Accounts        []AccountResponse `json:"accounts"`
}

// AccountsResponse is the consolidated balances payload
type AccountsResponse struct {
	Institutions   []InstitutionResponse `json:"institutions"`
	AccountsCount  int                   `json:"accounts_count"`
	BanksCount     int                   `json:"banks_count"`
	TotalBalance   float64               `json:"total_balance"`
	LastUpdated    string                `json:"last_updated"`
	FromStored     bool                  `json:"from_stored"`
	PartialFailure bool                  `json:"partial_failure"`
	Errors         map[string]string     `json:"errors,omitempty"`
}

// DataInfoResponse reports the consolidated cache's freshness
type DataInfoResponse struct {
	HasData     bool    `json:"has_data"`
	LastUpdated string  `json:"last_updated,omitempty"`
	AgeHours    float64 `json:"age_hours"`
	IsExpired   bool    `json:"is_expired"`
	IsStale     bool    `json:"is_stale"`
}

// BankItemResponse represents one linked bank in the banks listing
type BankItemResponse struct {
	ItemID          string            `json:"item_id"`
	InstitutionID   string            `json:"institution_id"`
	InstitutionName string            `json:"institution_name"`
	Status          string            `json:"status"`
	StatusReason    string            `json:"status_reason,omitempty"`
	CreatedAt       string            `json:"created_at"`
	Accounts        []AccountResponse `json:"accounts"`
}

// BankResponse wraps a bank item in the listing envelope
type BankResponse struct {
	Item BankItemResponse `json:"item"`
}

// BanksResponse lists the user's linked banks
type BanksResponse struct {
	Banks []BankResponse `json:"banks"`
}

// RevokeBanksResponse summarises a bank unlink request
type RevokeBanksResponse struct {
	Message      string                `json:"message"`
	SuccessCount int                   `json:"success_count"`
	Results      []syncer.RevokeResult `json:"results,omitempty"`
	Failures     map[string]string     `json:"failures,omitempty"`
}

// DateRange bounds the transaction listing window
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TransactionsResponse is the synced transaction listing payload
type TransactionsResponse struct {
	Transactions     []transaction.Record `json:"transactions"`
	TransactionCount int                  `json:"transaction_count"`
	DateRange        DateRange            `json:"date_range"`
}

// SyncResponse reports one connection's applied sync result
type SyncResponse struct {
	Added          int `json:"added"`
	Modified       int `json:"modified"`
	Removed        int `json:"removed"`
	TotalProcessed int `json:"total_processed"`
	Pages          int `json:"pages"`
}

// SyncAllResponse reports a whole-user transaction sync
type SyncAllResponse struct {
	Results  map[string]SyncResponse `json:"results"`
	Failures map[string]string       `json:"failures,omitempty"`
}

// ForceRefreshResponse acknowledges a background full resync
type ForceRefreshResponse struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connection_id"`
	Poll         string `json:"poll"`
}

func mapBalances(b balance.Balances) BalancesResponse {
	return BalancesResponse{
		Available: b.Available,
		Current:   b.Current,
		Limit:     b.Limit,
		Currency:  b.Currency,
	}
}

func mapAccount(snapshot balance.AccountSnapshot) AccountResponse {
	return AccountResponse{
		AccountID:    snapshot.AccountID,
		Name:         snapshot.Name,
		OfficialName: snapshot.OfficialName,
		Type:         snapshot.Type,
		Subtype:      snapshot.Subtype,
		Mask:         snapshot.Mask,
		Balances:     mapBalances(snapshot.Balances),
	}
}

func mapAccounts(snapshots []balance.AccountSnapshot) []AccountResponse {
	out := make([]AccountResponse, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, mapAccount(s))
	}
	return out
}

func mapConsolidated(cache *balance.ConsolidatedCache, fromStored bool) AccountsResponse {
	institutions := make([]InstitutionResponse, 0, len(cache.Institutions))
	for _, inst := range cache.Institutions {
		institutions = append(institutions, InstitutionResponse{
			ItemID:          inst.ConnectionID.String(),
			InstitutionID:   inst.InstitutionID,
			InstitutionName: inst.InstitutionName,
			Status:          string(inst.Status),
			SubtotalCurrent: inst.SubtotalCurrent,
			Accounts:        mapAccounts(inst.Accounts),
		})
	}
	return AccountsResponse{
		Institutions:   institutions,
		AccountsCount:  cache.AccountCount,
		BanksCount:     cache.BankCount,
		TotalBalance:   cache.TotalBalance,
		LastUpdated:    cache.LastUpdated.Format(time.RFC3339),
		FromStored:     fromStored,
		PartialFailure: cache.PartialFailure(),
		Errors:         cache.Errors,
	}
}

func mapBank(details service.BankDetails) BankResponse {
	conn := details.Connection
	return BankResponse{
		Item: BankItemResponse{
			ItemID:          conn.ID.String(),
			InstitutionID:   conn.InstitutionID,
			InstitutionName: conn.InstitutionName,
			Status:          string(conn.Status),
			StatusReason:    conn.StatusReason,
			CreatedAt:       conn.CreatedAt.Format(time.RFC3339),
			Accounts:        mapAccounts(details.Accounts),
		},
	}
}

func mapSyncResult(result *transaction.SyncResult) SyncResponse {
	return SyncResponse{
		Added:          result.Added,
		Modified:       result.Modified,
		Removed:        result.Removed,
		TotalProcessed: result.TotalProcessed(),
		Pages:          result.Pages,
	}
}
