package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

type fileEntry struct {
	Set       *Set      `json:"set"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileCache stores one JSON file per key under a private directory.
type FileCache struct {
	baseDir string
	now     func() time.Time

	mu sync.Mutex
}

// NewFileCache creates a file cache.
// If baseDir is empty, uses ~/.tenantgate/tokens/
func NewFileCache(baseDir string) (*FileCache, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".tenantgate", "tokens")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token cache directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("token file cache initialized")

	return &FileCache{baseDir: baseDir, now: time.Now}, nil
}

// path encodes the key so arbitrary subjects are safe file names.
func (c *FileCache) path(key string) string {
	return filepath.Join(c.baseDir, base58.Encode([]byte(key))+".json")
}

func (c *FileCache) Get(_ context.Context, key string) (*Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read token cache: %w", err)
	}

	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding corrupt token cache entry")
		_ = os.Remove(c.path(key))
		return nil, ErrCacheMiss
	}

	if entry.Set == nil || !c.now().Before(entry.ExpiresAt) {
		_ = os.Remove(c.path(key))
		return nil, ErrCacheMiss
	}

	return entry.Set, nil
}

func (c *FileCache) Put(_ context.Context, key string, set *Set, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.MarshalIndent(fileEntry{Set: set, ExpiresAt: c.now().Add(ttl)}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token set: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Write to temp file first
	target := c.path(key)
	tempPath := target + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, target); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to save token cache: %w", err)
	}

	return nil
}

func (c *FileCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete token cache: %w", err)
	}
	return nil
}
