// Package postgresdoc implements the storage gateway on PostgreSQL, storing
// documents as jsonb rows keyed by (owner_id, key).
package postgresdoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/storage"
)

// Querier supports database operations for both pool and transactions
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Ensure interfaces are satisfied (compile-time check)
var _ Querier = (*pgxpool.Pool)(nil)
var _ Querier = (pgx.Tx)(nil)

// DB wraps the PostgreSQL connection pool
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewDB runs migrations, builds the connection pool, and verifies connectivity
func NewDB(ctx context.Context, logger *slog.Logger, cfg *config.PostgresConfig) (*DB, error) {
	err := RunMigrations(cfg.URL, cfg.MigrationsPath)
	if err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("Connected to PostgreSQL")

	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

// Pool returns the underlying connection pool
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close shuts down the connection pool
func (db *DB) Close() {
	db.pool.Close()
	db.logger.Info("Closed PostgreSQL connection")
}

// Gateway implements storage.Gateway on a PostgreSQL documents table
type Gateway struct {
	querier Querier
	logger  *slog.Logger
}

// NewGateway creates a PostgreSQL-backed storage gateway
func NewGateway(logger *slog.Logger, db *DB) *Gateway {
	return &Gateway{
		querier: db.Pool(),
		logger:  logger,
	}
}

// Get retrieves a document by owner and key.
// Returns storage.ErrNotFound if no document exists.
func (g *Gateway) Get(ctx context.Context, ownerID, key string) ([]byte, error) {
	query := `
		SELECT doc FROM documents
		WHERE owner_id = $1 AND key = $2
	`

	var doc []byte
	err := g.querier.QueryRow(ctx, query, ownerID, key).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound{Key: key}
		}
		g.logger.Error("Failed to get document", "owner_id", ownerID, "key", key, "error", err)
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// Put upserts a document by owner and key
func (g *Gateway) Put(ctx context.Context, ownerID, key string, doc []byte) error {
	query := `
		INSERT INTO documents (owner_id, key, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner_id, key)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`

	_, err := g.querier.Exec(ctx, query, ownerID, key, doc)
	if err != nil {
		g.logger.Error("Failed to put document", "owner_id", ownerID, "key", key, "error", err)
		return fmt.Errorf("failed to put document: %w", err)
	}

	return nil
}

// Delete removes a document; deleting a missing key is a no-op
func (g *Gateway) Delete(ctx context.Context, ownerID, key string) error {
	query := `
		DELETE FROM documents
		WHERE owner_id = $1 AND key = $2
	`

	_, err := g.querier.Exec(ctx, query, ownerID, key)
	if err != nil {
		g.logger.Error("Failed to delete document", "owner_id", ownerID, "key", key, "error", err)
		return fmt.Errorf("failed to delete document: %w", err)
	}

	return nil
}

// DeletePrefix removes every document of the owner whose key starts with
// prefix and reports how many were removed
func (g *Gateway) DeletePrefix(ctx context.Context, ownerID, prefix string) (int, error) {
	query := `
		DELETE FROM documents
		WHERE owner_id = $1 AND key LIKE $2 || '%'
	`

	tag, err := g.querier.Exec(ctx, query, ownerID, prefix)
	if err != nil {
		g.logger.Error("Failed to delete documents by prefix", "owner_id", ownerID, "prefix", prefix, "error", err)
		return 0, fmt.Errorf("failed to delete documents by prefix: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// Query returns every document of the owner whose key starts with prefix,
// sorted by key
func (g *Gateway) Query(ctx context.Context, ownerID, prefix string) ([]storage.Record, error) {
	query := `
		SELECT key, doc FROM documents
		WHERE owner_id = $1 AND key LIKE $2 || '%'
		ORDER BY key
	`

	rows, err := g.querier.Query(ctx, query, ownerID, prefix)
	if err != nil {
		g.logger.Error("Failed to query documents", "owner_id", ownerID, "prefix", prefix, "error", err)
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var records []storage.Record
	for rows.Next() {
		var rec storage.Record
		if err := rows.Scan(&rec.Key, &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate document rows: %w", err)
	}

	return records, nil
}

var _ storage.Gateway = (*Gateway)(nil)
