package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store owns the connection pool shared by the user, tenant and session stores
// and runs their background maintenance.
type Store struct {
	pool *pgxpool.Pool
	cfg  *StoreConfig

	users    *UserStore
	tenants  *TenantStore
	sessions *SessionStore

	// Lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore connects to PostgreSQL and optionally runs migrations.
func NewStore(ctx context.Context, cfg *StoreConfig) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.PoolConfig)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("database", pool.Config().ConnConfig.Database).
		Str("host", pool.Config().ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	// Run migrations only if explicitly enabled
	if cfg.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &Store{
		pool:     pool,
		cfg:      cfg,
		users:    NewUserStore(pool),
		tenants:  NewTenantStore(pool),
		sessions: NewSessionStore(pool),
		stopCh:   make(chan struct{}),
	}, nil
}

// Users returns the user store.
func (s *Store) Users() *UserStore { return s.users }

// Tenants returns the tenant store.
func (s *Store) Tenants() *TenantStore { return s.tenants }

// Sessions returns the session store.
func (s *Store) Sessions() *SessionStore { return s.sessions }

// Start launches background tasks.
func (s *Store) Start() error {
	log.Info().Msg("Starting PostgreSQL store")

	if s.cfg.PoolStatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitorConnectionPool(time.Duration(s.cfg.PoolStatsInterval) * time.Second)
		}()
	}

	if s.cfg.CleanupIntervalSeconds > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleanupSessions(time.Duration(s.cfg.CleanupIntervalSeconds) * time.Second)
		}()
	}

	return nil
}

// Stop waits for background tasks and closes the pool.
func (s *Store) Stop() error {
	s.stopOnce.Do(func() {
		log.Info().Msg("Stopping PostgreSQL store")
		close(s.stopCh)
		s.wg.Wait()
		s.pool.Close()
		log.Info().Msg("PostgreSQL store stopped")
	})
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *Store) monitorConnectionPool(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Int64("acquire_duration_ns", stats.AcquireDuration().Nanoseconds()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) cleanupSessions(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.sessions.DeleteExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to delete expired sessions")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}
