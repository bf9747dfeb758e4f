// Package config loads the database and store tuning parameters from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

// Config holds the connection parameters and store tuning knobs.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// PoolSize caps the shared auto-commit connection pool.
	PoolSize int
	// Scope prefixes all keys issued by the database's stores.
	Scope int
	// BatchSize is the row count triggering a batch commit.
	BatchSize int
	// AutoCommitPeriod forces a commit at this interval. Zero disables the
	// timer.
	AutoCommitPeriod time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}

// FromEnv reads the configuration. Credentials and the database name are
// required; everything else has defaults.
func FromEnv() (Config, error) {
	var cfg Config
	var err error
	if cfg.Host, err = env.GetAsString("POSTGRES_HOST", false, "db"); err != nil {
		return cfg, err
	}
	if cfg.Port, err = env.GetAsInt("POSTGRES_PORT", false, 5432); err != nil {
		return cfg, err
	}
	if cfg.User, err = env.GetAsString("POSTGRES_USER", true, ""); err != nil {
		return cfg, err
	}
	if cfg.Password, err = env.GetAsString("POSTGRES_PASSWORD", true, ""); err != nil {
		return cfg, err
	}
	if cfg.Database, err = env.GetAsString("POSTGRES_DATABASE", true, ""); err != nil {
		return cfg, err
	}
	if cfg.SSLMode, err = env.GetAsString("POSTGRES_SSL_MODE", false, "require"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = env.GetAsInt("POSTGRES_POOL_SIZE", false, 5); err != nil {
		return cfg, err
	}
	if cfg.Scope, err = env.GetAsInt("STORE_SCOPE", false, 0); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = env.GetAsInt("STORE_BATCH_SIZE", false, 500); err != nil {
		return cfg, err
	}
	autoCommitSeconds, err := env.GetAsInt("STORE_AUTO_COMMIT_SECONDS", false, 10)
	if err != nil {
		return cfg, err
	}
	cfg.AutoCommitPeriod = time.Duration(autoCommitSeconds) * time.Second
	if cfg.CacheSize, err = env.GetAsInt("STORE_CACHE_SIZE", false, 100); err != nil {
		return cfg, err
	}
	cacheTTLSeconds, err := env.GetAsInt("STORE_CACHE_TTL_SECONDS", false, 300)
	if err != nil {
		return cfg, err
	}
	cfg.CacheTTL = time.Duration(cacheTTLSeconds) * time.Second
	return cfg, nil
}

// ConnString renders the pgx keyword/value connection string.
func (c Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}
