package postgres

import (
	"fmt"
)

// StoreConfig holds configuration for the PostgreSQL backed stores.
type StoreConfig struct {
	PoolConfig

	// AutoMigrate runs embedded migrations on startup.
	AutoMigrate bool

	// PoolStatsInterval is how often pool statistics are logged.
	// Default: 30s. Negative disables logging.
	PoolStatsInterval int32

	// CleanupIntervalSeconds is how often expired sessions are removed.
	// Default: 300. Negative disables cleanup.
	CleanupIntervalSeconds int32
}

// Validate checks that the configuration is valid.
func (c *StoreConfig) Validate() error {
	if err := c.PoolConfig.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *StoreConfig) ApplyDefaults() {
	c.PoolConfig.ApplyDefaults()
	if c.PoolStatsInterval == 0 {
		c.PoolStatsInterval = 30
	}
	if c.CleanupIntervalSeconds == 0 {
		c.CleanupIntervalSeconds = 300 // 5 minutes
	}
}
