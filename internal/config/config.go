// Package config provides configuration structures and validation for the application.
// It handles environment-based configuration for all major components including
// server settings, storage backends, the credential vault, the upstream aggregator
// client, and sync tuning parameters.
package config

import (
	"errors"
	"strings"
	"time"
)

// Storage backend selectors.
const (
	StorageBackendMongo    = "mongo"
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Config holds the complete application configuration with settings for all components.
// Each field represents a major subsystem's configuration and is validated during
// application startup.
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Storage     StorageConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	Vault       VaultConfig
	Aggregator  AggregatorConfig
	Sync        SyncConfig
	WorkerPool  WorkerPoolConfig
	Events      EventsConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int           // Port to listen on
	ShutdownTimeout time.Duration // Grace period for server shutdown
	ReadTimeout     time.Duration // Maximum duration for reading entire request
	WriteTimeout    time.Duration // Maximum duration for writing response
	IdleTimeout     time.Duration // Maximum duration to wait for next request
}

// StorageConfig selects the document store backing the storage gateway
type StorageConfig struct {
	Backend string // "mongo", "postgres" or "memory"
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string        // Database connection string
	MaxConns        int32         // Maximum number of open connections
	MinConns        int32         // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of a connection
	ConnMaxIdleTime time.Duration // Maximum idle time of a connection
	MigrationsPath  string        // Path to migration files
}

// MongoDBConfig contains MongoDB configuration
type MongoDBConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// VaultConfig contains the credential vault keyring.
// Keys holds comma-separated "keyID=secret" pairs; ActiveKey names the key used
// for new encryptions. Old keys stay in the ring so previously stored secrets
// remain decryptable after rotation.
type VaultConfig struct {
	Keys      string
	ActiveKey string
}

// AggregatorConfig contains the upstream financial-data aggregator client settings
type AggregatorConfig struct {
	Environment    string // "sandbox", "development" or "production"
	BaseURL        string // Hosted API base URL (unused in sandbox)
	ClientID       string
	ClientSecret   string
	RequestTimeout time.Duration
	MaxRetries     int           // Retry attempts for transient upstream failures
	RetryBaseDelay time.Duration // Initial backoff delay, doubled per attempt
}

// SyncConfig contains tuning for the account and transaction sync engines
type SyncConfig struct {
	AccountsCacheTTL time.Duration // Staleness horizon for the consolidated accounts cache
	MaxConcurrency   int           // Upper bound on per-user concurrent connection syncs
	MaxPages         int           // Safety limit on transaction sync pagination
}

// WorkerPoolConfig contains worker pool configuration
type WorkerPoolConfig struct {
	Size int // Maximum number of workers in the pool
}

// EventsConfig contains the optional Kafka sync-event publisher settings.
// Empty Brokers disables event publishing entirely.
type EventsConfig struct {
	Brokers           string
	Topic             string
	NumPartitions     int
	ReplicationFactor int
	WriteTimeout      time.Duration
}

// validate performs comprehensive validation of all configuration values,
// ensuring they meet minimum requirements and logical constraints
func (c *Config) validate() error {
	var validationErrors []string

	// Validate Server config
	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT must be greater than 0")
	}
	if c.Server.WriteTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_WRITE_TIMEOUT must be greater than 0")
	}
	if c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_IDLE_TIMEOUT must be greater than 0")
	}

	// Validate the selected storage backend only; the others may stay unset
	switch c.Storage.Backend {
	case StorageBackendMongo:
		if c.MongoDB.URI == "" {
			validationErrors = append(validationErrors, "MONGO_URI is required")
		}
		if c.MongoDB.Database == "" {
			validationErrors = append(validationErrors, "MONGO_DATABASE is required")
		}
		if c.MongoDB.Timeout <= 0 {
			validationErrors = append(validationErrors, "MONGO_TIMEOUT must be greater than 0")
		}
		if c.MongoDB.MaxPoolSize <= 0 {
			validationErrors = append(validationErrors, "MONGO_MAX_POOL_SIZE must be greater than 0")
		}
		if c.MongoDB.MinPoolSize <= 0 {
			validationErrors = append(validationErrors, "MONGO_MIN_POOL_SIZE must be greater than 0")
		}
		if c.MongoDB.MaxConnIdleTime <= 0 {
			validationErrors = append(validationErrors, "MONGO_MAX_CONN_IDLE_TIME must be greater than 0")
		}
	case StorageBackendPostgres:
		if c.Postgres.URL == "" {
			validationErrors = append(validationErrors, "POSTGRES_URL is required")
		}
		if c.Postgres.MaxConns <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
		}
		if c.Postgres.MinConns <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be greater than 0")
		}
		if c.Postgres.ConnMaxLifetime <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_LIFETIME must be greater than 0")
		}
		if c.Postgres.ConnMaxIdleTime <= 0 {
			validationErrors = append(validationErrors, "POSTGRES_MAX_CONN_IDLE_TIME must be greater than 0")
		}
	case StorageBackendMemory:
		// Intended for local sandbox runs and tests; no backend settings required.
	default:
		validationErrors = append(validationErrors, "STORAGE_BACKEND must be one of mongo, postgres, memory")
	}

	// Validate Vault config
	if c.Vault.Keys == "" {
		validationErrors = append(validationErrors, "VAULT_KEYS is required")
	}
	if c.Vault.ActiveKey == "" {
		validationErrors = append(validationErrors, "VAULT_ACTIVE_KEY is required")
	}

	// Validate Aggregator config
	switch c.Aggregator.Environment {
	case "sandbox", "development", "production":
	default:
		validationErrors = append(validationErrors, "AGGREGATOR_ENV must be one of sandbox, development, production")
	}
	if c.Aggregator.Environment != "sandbox" && c.Aggregator.BaseURL == "" {
		validationErrors = append(validationErrors, "AGGREGATOR_BASE_URL is required outside the sandbox environment")
	}
	if c.Aggregator.RequestTimeout <= 0 {
		validationErrors = append(validationErrors, "AGGREGATOR_REQUEST_TIMEOUT must be greater than 0")
	}
	if c.Aggregator.MaxRetries < 0 {
		validationErrors = append(validationErrors, "AGGREGATOR_MAX_RETRIES must not be negative")
	}
	if c.Aggregator.RetryBaseDelay <= 0 {
		validationErrors = append(validationErrors, "AGGREGATOR_RETRY_BASE_DELAY must be greater than 0")
	}

	// Validate Sync config
	if c.Sync.AccountsCacheTTL <= 0 {
		validationErrors = append(validationErrors, "ACCOUNTS_CACHE_TTL must be greater than 0")
	}
	if c.Sync.MaxConcurrency <= 0 {
		validationErrors = append(validationErrors, "SYNC_MAX_CONCURRENCY must be greater than 0")
	}
	if c.Sync.MaxPages <= 0 {
		validationErrors = append(validationErrors, "SYNC_MAX_PAGES must be greater than 0")
	}

	// Validate WorkerPool config
	if c.WorkerPool.Size <= 0 {
		validationErrors = append(validationErrors, "WORKER_POOL_SIZE must be greater than 0")
	}

	// Validate Events config (only when enabled)
	if c.Events.Brokers != "" {
		if c.Events.Topic == "" {
			validationErrors = append(validationErrors, "EVENTS_TOPIC is required when EVENTS_BROKERS is set")
		}
		if c.Events.WriteTimeout <= 0 {
			validationErrors = append(validationErrors, "EVENTS_WRITE_TIMEOUT must be greater than 0")
		}
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
