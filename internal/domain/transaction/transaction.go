// Package transaction defines synced transaction records, the per-connection
// sync cursor, and sync result accounting.
package transaction

import (
	"time"

	"github.com/google/uuid"
)

// Location carries the coarse merchant location the aggregator reports
type Location struct {
	City    string `json:"city,omitempty" bson:"city,omitempty"`
	Region  string `json:"region,omitempty" bson:"region,omitempty"`
	Country string `json:"country,omitempty" bson:"country,omitempty"`
}

// Record is one synced transaction, unique per (user, transaction_id).
// Modified batches overwrite the record wholesale; removed batches delete it.
type Record struct {
	TransactionID  string    `json:"transaction_id" bson:"transaction_id"`
	ConnectionID   uuid.UUID `json:"connection_id" bson:"connection_id"`
	AccountID      string    `json:"account_id" bson:"account_id"`
	Amount         float64   `json:"amount" bson:"amount"`
	ISOCurrency    string    `json:"iso_currency,omitempty" bson:"iso_currency,omitempty"`
	Date           string    `json:"date" bson:"date"`
	AuthorizedDate string    `json:"authorized_date,omitempty" bson:"authorized_date,omitempty"`
	Pending        bool      `json:"pending" bson:"pending"`
	Category       []string  `json:"category,omitempty" bson:"category,omitempty"`
	MerchantName   string    `json:"merchant_name,omitempty" bson:"merchant_name,omitempty"`
	PaymentChannel string    `json:"payment_channel,omitempty" bson:"payment_channel,omitempty"`
	Location       Location  `json:"location,omitempty" bson:"location,omitempty"`
}

// SyncCursor marks the position in one connection's transaction change-feed.
// Exactly one live cursor exists per connection; it advances only after the
// batch it covers has been durably applied.
type SyncCursor struct {
	ConnectionID uuid.UUID `json:"connection_id" bson:"connection_id"`
	Cursor       string    `json:"cursor" bson:"cursor"`
	LastSyncedAt time.Time `json:"last_synced_at" bson:"last_synced_at"`
}

// SyncResult totals what an incremental sync applied
type SyncResult struct {
	Added    int  `json:"added"`
	Modified int  `json:"modified"`
	Removed  int  `json:"removed"`
	Pages    int  `json:"pages"`
	HasMore  bool `json:"has_more"`
}

// TotalProcessed sums all applied reconciliation operations
func (r *SyncResult) TotalProcessed() int {
	return r.Added + r.Modified + r.Removed
}

// Resync states for the background full-resync status document.
const (
	ResyncStateRunning   = "running"
	ResyncStateCompleted = "completed"
	ResyncStateFailed    = "failed"
)

// ResyncStatus is the polled status of a background full resync
type ResyncStatus struct {
	ConnectionID uuid.UUID   `json:"connection_id" bson:"connection_id"`
	State        string      `json:"state" bson:"state"`
	StartedAt    time.Time   `json:"started_at" bson:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	Result       *SyncResult `json:"result,omitempty" bson:"result,omitempty"`
	Error        string      `json:"error,omitempty" bson:"error,omitempty"`
}
