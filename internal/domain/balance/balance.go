// Package balance defines account snapshots and the per-user consolidated
// cache derived from them. The cache is derived state: it is fully
// recomputable from the live connections and is never the source of truth.
package balance

import (
	"time"

	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/domain/connection"
)

// Balances mirrors the per-account balance figures reported by the aggregator
type Balances struct {
	Available *float64 `json:"available" bson:"available"`
	Current   float64  `json:"current" bson:"current"`
	Limit     *float64 `json:"limit,omitempty" bson:"limit,omitempty"`
	Currency  string   `json:"currency" bson:"currency"`
}

// AccountSnapshot is one external account's state as of the last fetch
type AccountSnapshot struct {
	UserID       string    `json:"user_id" bson:"user_id"`
	ConnectionID uuid.UUID `json:"connection_id" bson:"connection_id"`
	AccountID    string    `json:"account_id" bson:"account_id"`
	Name         string    `json:"name" bson:"name"`
	OfficialName string    `json:"official_name,omitempty" bson:"official_name,omitempty"`
	Type         string    `json:"type" bson:"type"`
	Subtype      string    `json:"subtype,omitempty" bson:"subtype,omitempty"`
	Mask         string    `json:"mask,omitempty" bson:"mask,omitempty"`
	Balances     Balances  `json:"balances" bson:"balances"`
}

// InstitutionAccounts groups one connection's snapshots inside the cache
type InstitutionAccounts struct {
	ConnectionID    uuid.UUID         `json:"connection_id" bson:"connection_id"`
	InstitutionID   string            `json:"institution_id" bson:"institution_id"`
	InstitutionName string            `json:"institution_name" bson:"institution_name"`
	Status          connection.Status `json:"status" bson:"status"`
	Accounts        []AccountSnapshot `json:"accounts" bson:"accounts"`
	SubtotalCurrent float64           `json:"subtotal_current" bson:"subtotal_current"`
}

// ConsolidatedCache is the per-user merged view of every linked institution.
// Totals cover healthy institutions only; failed ones appear in Errors so the
// caller can surface which institution needs attention.
type ConsolidatedCache struct {
	UserID       string                `json:"user_id" bson:"user_id"`
	Institutions []InstitutionAccounts `json:"institutions" bson:"institutions"`
	TotalBalance float64               `json:"total_balance" bson:"total_balance"`
	AccountCount int                   `json:"account_count" bson:"account_count"`
	BankCount    int                   `json:"bank_count" bson:"bank_count"`
	LastUpdated  time.Time             `json:"last_updated" bson:"last_updated"`
	Stale        bool                  `json:"stale" bson:"stale"`
	Errors       map[string]string     `json:"errors,omitempty" bson:"errors,omitempty"`
}

// Recompute re-derives TotalBalance, AccountCount, BankCount and the
// per-institution subtotals from the institution list. Called on every write
// path so the totals invariant holds regardless of how the list was mutated.
func (c *ConsolidatedCache) Recompute() {
	c.TotalBalance = 0
	c.AccountCount = 0
	c.BankCount = len(c.Institutions)

	for i := range c.Institutions {
		inst := &c.Institutions[i]
		inst.SubtotalCurrent = 0
		if !healthy(inst.Status) {
			continue
		}
		for _, acct := range inst.Accounts {
			inst.SubtotalCurrent += acct.Balances.Current
		}
		c.TotalBalance += inst.SubtotalCurrent
		c.AccountCount += len(inst.Accounts)
	}
}

// RemoveConnection drops an institution's entry and its error record, then
// recomputes the totals. Returns true if anything changed.
func (c *ConsolidatedCache) RemoveConnection(connID uuid.UUID) bool {
	changed := false
	kept := c.Institutions[:0]
	for _, inst := range c.Institutions {
		if inst.ConnectionID == connID {
			changed = true
			continue
		}
		kept = append(kept, inst)
	}
	c.Institutions = kept

	if _, ok := c.Errors[connID.String()]; ok {
		delete(c.Errors, connID.String())
		changed = true
	}

	if changed {
		c.Recompute()
	}
	return changed
}

// PartialFailure reports whether any institution failed its last fetch
func (c *ConsolidatedCache) PartialFailure() bool {
	return len(c.Errors) > 0
}

// Age reports how long ago the cache was refreshed
func (c *ConsolidatedCache) Age(now time.Time) time.Duration {
	return now.Sub(c.LastUpdated)
}

// Expired reports whether the cache has outlived the given TTL
func (c *ConsolidatedCache) Expired(now time.Time, ttl time.Duration) bool {
	return c.Age(now) >= ttl
}

func healthy(s connection.Status) bool {
	return s == connection.StatusActive
}
