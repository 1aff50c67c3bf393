package client

import (
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingHTTPClient creates an HTTP client with disk-based caching.
// Used for JWKS fetches so SAD validation does not hit the authorization
// server's key endpoint on every request.
func NewCachingHTTPClient(cacheDir string) *http.Client {
	if cacheDir == "" {
		// Use in-memory cache if no cache directory specified
		return NewInMemoryCachingHTTPClient()
	}

	cache := diskcache.New(cacheDir)

	return &http.Client{
		Transport: httpcache.NewTransport(cache),
		Timeout:   10 * time.Second,
	}
}

// NewInMemoryCachingHTTPClient creates an HTTP client with in-memory caching
// only. Suitable for testing or when disk caching is not desired.
func NewInMemoryCachingHTTPClient() *http.Client {
	return &http.Client{
		Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
		Timeout:   10 * time.Second,
	}
}
