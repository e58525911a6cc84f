// Package storage defines the document-store gateway every higher component
// persists through. Documents are JSON values addressed by (owner, key) and
// partitioned per owner; backends are swappable and mockable behind this
// contract.
package storage

import "context"

// Well-known key prefixes for the persisted record families.
const (
	KeyConnectionPrefix  = "connection/"
	KeyAccountsCache     = "accounts_cache"
	KeyCursorPrefix      = "cursor/"
	KeyTransactionPrefix = "transaction/"
	KeyResyncPrefix      = "resync/"
)

// ConnectionKey builds the document key for a bank connection
func ConnectionKey(connID string) string {
	return KeyConnectionPrefix + connID
}

// CursorKey builds the document key for a connection's sync cursor
func CursorKey(connID string) string {
	return KeyCursorPrefix + connID
}

// TransactionKeyPrefix builds the key prefix covering one connection's
// transaction records
func TransactionKeyPrefix(connID string) string {
	return KeyTransactionPrefix + connID + "/"
}

// TransactionKey builds the document key for a single transaction record
func TransactionKey(connID, transactionID string) string {
	return TransactionKeyPrefix(connID) + transactionID
}

// ResyncKey builds the document key for a connection's resync status
func ResyncKey(connID string) string {
	return KeyResyncPrefix + connID
}

// Record is one stored document returned by Query
type Record struct {
	Key  string
	Data []byte
}

// Gateway is the narrow document-store contract. Get returns ErrNotFound for
// missing keys; Delete of a missing key is a no-op; DeletePrefix reports how
// many documents it removed.
type Gateway interface {
	Get(ctx context.Context, ownerID, key string) ([]byte, error)
	Put(ctx context.Context, ownerID, key string, doc []byte) error
	Delete(ctx context.Context, ownerID, key string) error
	DeletePrefix(ctx context.Context, ownerID, prefix string) (int, error)
	Query(ctx context.Context, ownerID, prefix string) ([]Record, error)
}

// ErrNotFound indicates a missing document
type ErrNotFound struct {
	Key string
}

func (e ErrNotFound) Error() string {
	return "document not found: " + e.Key
}

// Is implements the errors.Is interface for ErrNotFound
func (e ErrNotFound) Is(target error) bool {
	t, ok := target.(ErrNotFound)
	if !ok {
		return false
	}
	// An empty target key matches any ErrNotFound
	if t.Key == "" {
		return true
	}
	return e.Key == t.Key
}
