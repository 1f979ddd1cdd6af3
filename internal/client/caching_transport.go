package client

import (
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingHTTPClient creates an HTTP client that honours Cache-Control.
// It is used for provider discovery and JWKS fetches. An empty cacheDir keeps
// the cache in memory.
func NewCachingHTTPClient(cacheDir string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if cacheDir == "" {
		// Use in-memory cache if no cache directory specified
		return &http.Client{
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
			Timeout:   timeout,
		}
	}

	// Use disk-based cache for persistence across restarts
	cache := diskcache.New(cacheDir)
	transport := httpcache.NewTransport(cache)

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
