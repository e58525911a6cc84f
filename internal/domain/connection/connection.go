// Package connection defines the bank connection entity: one linked external
// institution credential set owned by a single user.
package connection

import (
	"time"

	"github.com/google/uuid"
)

// Status describes the lifecycle state of a bank connection
type Status string

const (
	// StatusActive means the connection's credentials are usable for syncs
	StatusActive Status = "active"
	// StatusLoginRequired means the institution rejected the credentials and
	// the user must re-authenticate; other connections are unaffected
	StatusLoginRequired Status = "login_required"
	// StatusError means the connection is unusable (credential corruption or
	// a persistent upstream failure) until relinked
	StatusError Status = "error"
	// StatusRevoked means the user unlinked the connection; the secret is
	// wiped and all derived state removed
	StatusRevoked Status = "revoked"
)

// BankConnection is one linked external bank credential set. The access secret
// is stored encrypted and never leaves the registry in plaintext.
type BankConnection struct {
	ID              uuid.UUID `json:"id" bson:"id"`
	UserID          string    `json:"user_id" bson:"user_id"`
	InstitutionID   string    `json:"institution_id" bson:"institution_id"`
	InstitutionName string    `json:"institution_name" bson:"institution_name"`
	EncryptedSecret string    `json:"encrypted_secret,omitempty" bson:"encrypted_secret,omitempty"`
	Status          Status    `json:"status" bson:"status"`
	StatusReason    string    `json:"status_reason,omitempty" bson:"status_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	LastUsedAt      time.Time `json:"last_used_at" bson:"last_used_at"`
}

// Syncable reports whether the connection should participate in syncs.
// login_required connections are retried so a user fix is picked up without a
// relink; revoked and errored connections are excluded.
func (c *BankConnection) Syncable() bool {
	return c.Status == StatusActive || c.Status == StatusLoginRequired
}

// Sanitized returns a copy safe to hand to callers: the encrypted secret is
// stripped.
func (c *BankConnection) Sanitized() BankConnection {
	out := *c
	out.EncryptedSecret = ""
	return out
}

// ErrNotFound indicates a missing or revoked bank connection
type ErrNotFound struct {
	ConnectionID uuid.UUID
}

func (e ErrNotFound) Error() string {
	return "bank connection not found: " + e.ConnectionID.String()
}

// Is implements the errors.Is interface for ErrNotFound
func (e ErrNotFound) Is(target error) bool {
	t, ok := target.(ErrNotFound)
	if !ok {
		return false
	}
	// An empty target ConnectionID matches any ErrNotFound
	if t.ConnectionID == uuid.Nil {
		return true
	}
	return e.ConnectionID == t.ConnectionID
}

// ErrDuplicate indicates the user already linked this institution
type ErrDuplicate struct {
	InstitutionID string
}

func (e ErrDuplicate) Error() string {
	return "bank connection already exists for institution: " + e.InstitutionID
}

// Is implements the errors.Is interface for ErrDuplicate
func (e ErrDuplicate) Is(target error) bool {
	t, ok := target.(ErrDuplicate)
	if !ok {
		return false
	}
	if t.InstitutionID == "" {
		return true
	}
	return e.InstitutionID == t.InstitutionID
}
