// Package registry tracks the bank connections linked by each user. It owns
// the BankConnection record family: creation with duplicate detection,
// credential decryption for the sync engines, per-connection status marks,
// and the revocation wipe.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/storage"
	"github.com/bankfeed-aggregator/internal/vault"
)

// Registry manages bank connection records for all users
type Registry struct {
	store  storage.Gateway
	vault  *vault.Vault
	logger *slog.Logger
}

// New creates a connection registry
func New(logger *slog.Logger, store storage.Gateway, v *vault.Vault) *Registry {
	return &Registry{
		store:  store,
		vault:  v,
		logger: logger,
	}
}

// Create encrypts the raw access secret and persists a new active connection.
// Returns connection.ErrDuplicate when the user already has a non-revoked
// connection to the same institution, making the link flow idempotent.
func (r *Registry) Create(ctx context.Context, userID, institutionID, institutionName, rawSecret string) (*connection.BankConnection, error) {
	existing, err := r.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate connection: %w", err)
	}
	for _, conn := range existing {
		if conn.InstitutionID == institutionID {
			return nil, connection.ErrDuplicate{InstitutionID: institutionID}
		}
	}

	encrypted, err := r.vault.Encrypt(rawSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access secret: %w", err)
	}

	now := time.Now().UTC()
	conn := &connection.BankConnection{
		ID:              uuid.New(),
		UserID:          userID,
		InstitutionID:   institutionID,
		InstitutionName: institutionName,
		EncryptedSecret: encrypted,
		Status:          connection.StatusActive,
		CreatedAt:       now,
		LastUsedAt:      now,
	}

	if err := r.save(ctx, conn); err != nil {
		return nil, err
	}

	r.logger.Info("Created bank connection",
		"connection_id", conn.ID.String(),
		"user_id", userID,
		"institution_id", institutionID)

	sanitized := conn.Sanitized()
	return &sanitized, nil
}

// List returns the user's non-revoked connections with secrets stripped
func (r *Registry) List(ctx context.Context, userID string) ([]connection.BankConnection, error) {
	records, err := r.store.Query(ctx, userID, storage.KeyConnectionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	var connections []connection.BankConnection
	for _, rec := range records {
		var conn connection.BankConnection
		if err := json.Unmarshal(rec.Data, &conn); err != nil {
			return nil, fmt.Errorf("failed to decode connection %s: %w", rec.Key, err)
		}
		if conn.Status == connection.StatusRevoked {
			continue
		}
		connections = append(connections, conn.Sanitized())
	}
	return connections, nil
}

// Get returns one non-revoked connection with the secret stripped.
// Returns connection.ErrNotFound for missing or revoked connections.
func (r *Registry) Get(ctx context.Context, userID string, connID uuid.UUID) (*connection.BankConnection, error) {
	conn, err := r.load(ctx, userID, connID)
	if err != nil {
		return nil, err
	}
	sanitized := conn.Sanitized()
	return &sanitized, nil
}

// Credentials decrypts the connection's access secret for engine use. A
// decryption failure is fatal for the connection: it is marked errored before
// the CryptoError propagates. The plaintext never appears in logs.
func (r *Registry) Credentials(ctx context.Context, userID string, connID uuid.UUID) (string, error) {
	conn, err := r.load(ctx, userID, connID)
	if err != nil {
		return "", err
	}

	secret, err := r.vault.Decrypt(conn.EncryptedSecret)
	if err != nil {
		var cryptoErr *vault.CryptoError
		if errors.As(err, &cryptoErr) {
			r.logger.Error("Credential decryption failed, marking connection errored",
				"connection_id", connID.String(),
				"user_id", userID)
			if markErr := r.MarkError(ctx, userID, connID, "credential decryption failed"); markErr != nil {
				r.logger.Error("Failed to mark connection errored after crypto failure",
					"connection_id", connID.String(),
					"error", markErr)
			}
		}
		return "", err
	}

	return secret, nil
}

// MarkLoginRequired flags the connection as needing user re-authentication
func (r *Registry) MarkLoginRequired(ctx context.Context, userID string, connID uuid.UUID) error {
	return r.setStatus(ctx, userID, connID, connection.StatusLoginRequired, "institution requires login")
}

// MarkError flags the connection as unusable with the given reason
func (r *Registry) MarkError(ctx context.Context, userID string, connID uuid.UUID, reason string) error {
	return r.setStatus(ctx, userID, connID, connection.StatusError, reason)
}

// MarkActive restores the connection to the active state after a successful use
func (r *Registry) MarkActive(ctx context.Context, userID string, connID uuid.UUID) error {
	return r.setStatus(ctx, userID, connID, connection.StatusActive, "")
}

// TouchUsed records that the connection's credentials were just exercised
func (r *Registry) TouchUsed(ctx context.Context, userID string, connID uuid.UUID) error {
	conn, err := r.load(ctx, userID, connID)
	if err != nil {
		return err
	}
	conn.LastUsedAt = time.Now().UTC()
	return r.save(ctx, conn)
}

// Wipe revokes the connection and clears its secret. It reports false when
// the connection was already revoked or never existed, so revocation stays
// idempotent.
func (r *Registry) Wipe(ctx context.Context, userID string, connID uuid.UUID) (bool, error) {
	conn, err := r.load(ctx, userID, connID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound{}) {
			return false, nil
		}
		return false, err
	}

	conn.Status = connection.StatusRevoked
	conn.StatusReason = ""
	conn.EncryptedSecret = ""
	if err := r.save(ctx, conn); err != nil {
		return false, err
	}

	r.logger.Info("Wiped bank connection",
		"connection_id", connID.String(),
		"user_id", userID)
	return true, nil
}

// setStatus updates a connection's status without touching other connections
func (r *Registry) setStatus(ctx context.Context, userID string, connID uuid.UUID, status connection.Status, reason string) error {
	conn, err := r.load(ctx, userID, connID)
	if err != nil {
		return err
	}

	conn.Status = status
	conn.StatusReason = reason
	if err := r.save(ctx, conn); err != nil {
		return err
	}

	r.logger.Info("Updated connection status",
		"connection_id", connID.String(),
		"user_id", userID,
		"status", string(status))
	return nil
}

// load fetches a connection record, treating revoked ones as gone
func (r *Registry) load(ctx context.Context, userID string, connID uuid.UUID) (*connection.BankConnection, error) {
	data, err := r.store.Get(ctx, userID, storage.ConnectionKey(connID.String()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			return nil, connection.ErrNotFound{ConnectionID: connID}
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	var conn connection.BankConnection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("failed to decode connection: %w", err)
	}
	if conn.Status == connection.StatusRevoked {
		return nil, connection.ErrNotFound{ConnectionID: connID}
	}
	return &conn, nil
}

// save persists a connection record
func (r *Registry) save(ctx context.Context, conn *connection.BankConnection) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to encode connection: %w", err)
	}
	if err := r.store.Put(ctx, conn.UserID, storage.ConnectionKey(conn.ID.String()), data); err != nil {
		return fmt.Errorf("failed to persist connection: %w", err)
	}
	return nil
}
