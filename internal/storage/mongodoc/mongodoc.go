// Package mongodoc implements the storage gateway on MongoDB. Every document
// family shares one collection keyed by (owner_id, key).
package mongodoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/bankfeed-aggregator/internal/config"
	"github.com/bankfeed-aggregator/internal/storage"
)

const (
	// CollectionName is the name of the documents collection in MongoDB
	CollectionName = "documents"
)

// DB wraps the MongoDB client and database handles
type DB struct {
	logger   *slog.Logger
	client   *mongo.Client
	database *mongo.Database
}

// NewDB connects to MongoDB, verifies connectivity, and ensures the unique
// (owner_id, key) index exists
func NewDB(ctx context.Context, logger *slog.Logger, cfg *config.MongoDBConfig) (*DB, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)

	indexCtx, cancelIndex := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelIndex()
	_, err = database.Collection(CollectionName).Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure documents index: %w", err)
	}

	return &DB{
		logger:   logger,
		client:   client,
		database: database,
	}, nil
}

// Database returns the underlying database handle
func (m *DB) Database() *mongo.Database {
	return m.database
}

// Close disconnects the client
func (m *DB) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	m.logger.Info("Closed MongoDB connection")
	return nil
}

// Gateway implements storage.Gateway on a MongoDB collection
type Gateway struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewGateway creates a MongoDB-backed storage gateway
func NewGateway(logger *slog.Logger, db *mongo.Database) *Gateway {
	return &Gateway{
		db:     db,
		logger: logger,
	}
}

type document struct {
	OwnerID   string    `bson:"owner_id"`
	Key       string    `bson:"key"`
	Doc       []byte    `bson:"doc"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Get retrieves a document by owner and key.
// Returns storage.ErrNotFound if no document exists.
func (g *Gateway) Get(ctx context.Context, ownerID, key string) ([]byte, error) {
	collection := g.db.Collection(CollectionName)

	filter := bson.M{"owner_id": ownerID, "key": key}
	var doc document
	err := collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound{Key: key}
		}
		g.logger.Error("Failed to get document",
			"owner_id", ownerID,
			"key", key,
			"error", err)
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc.Doc, nil
}

// Put upserts a document by owner and key
func (g *Gateway) Put(ctx context.Context, ownerID, key string, doc []byte) error {
	collection := g.db.Collection(CollectionName)

	filter := bson.M{"owner_id": ownerID, "key": key}
	update := bson.M{
		"$set": bson.M{
			"doc":        doc,
			"updated_at": time.Now(),
		},
		"$setOnInsert": bson.M{
			"owner_id": ownerID,
			"key":      key,
		},
	}

	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		g.logger.Error("Failed to put document",
			"owner_id", ownerID,
			"key", key,
			"error", err)
		return fmt.Errorf("failed to put document: %w", err)
	}

	return nil
}

// Delete removes a document; deleting a missing key is a no-op
func (g *Gateway) Delete(ctx context.Context, ownerID, key string) error {
	collection := g.db.Collection(CollectionName)

	filter := bson.M{"owner_id": ownerID, "key": key}
	_, err := collection.DeleteOne(ctx, filter)
	if err != nil {
		g.logger.Error("Failed to delete document",
			"owner_id", ownerID,
			"key", key,
			"error", err)
		return fmt.Errorf("failed to delete document: %w", err)
	}

	return nil
}

// DeletePrefix removes every document of the owner whose key starts with
// prefix and reports how many were removed
func (g *Gateway) DeletePrefix(ctx context.Context, ownerID, prefix string) (int, error) {
	collection := g.db.Collection(CollectionName)

	filter := bson.M{"owner_id": ownerID, "key": prefixFilter(prefix)}
	result, err := collection.DeleteMany(ctx, filter)
	if err != nil {
		g.logger.Error("Failed to delete documents by prefix",
			"owner_id", ownerID,
			"prefix", prefix,
			"error", err)
		return 0, fmt.Errorf("failed to delete documents by prefix: %w", err)
	}

	return int(result.DeletedCount), nil
}

// Query returns every document of the owner whose key starts with prefix,
// sorted by key
func (g *Gateway) Query(ctx context.Context, ownerID, prefix string) ([]storage.Record, error) {
	collection := g.db.Collection(CollectionName)

	filter := bson.M{"owner_id": ownerID, "key": prefixFilter(prefix)}
	opts := options.Find().SetSort(bson.M{"key": 1})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		g.logger.Error("Failed to query documents",
			"owner_id", ownerID,
			"prefix", prefix,
			"error", err)
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		g.logger.Error("Failed to decode documents",
			"owner_id", ownerID,
			"prefix", prefix,
			"error", err)
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}

	records := make([]storage.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, storage.Record{Key: doc.Key, Data: doc.Doc})
	}
	return records, nil
}

// prefixFilter builds an anchored regex matching keys under the prefix
func prefixFilter(prefix string) bson.M {
	return bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
}

var _ storage.Gateway = (*Gateway)(nil)
