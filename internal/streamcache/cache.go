// Package streamcache remembers which upstream audio URL a track id resolved
// to and when.
package streamcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"zingrelay/internal/domain"
	"zingrelay/internal/metrics"
)

const (
	DefaultTTL        = 1800 * time.Second
	DefaultMaxEntries = 4096
	backendTimeout    = 500 * time.Millisecond
)

// Backend is an optional shared tier consulted on a memory miss.
type Backend interface {
	Get(ctx context.Context, trackID string) (domain.StreamEntry, bool, error)
	Set(ctx context.Context, entry domain.StreamEntry, ttl time.Duration) error
}

// Cache maps track ids to their last resolved stream. Entries are never
// dropped for being stale; a stale entry is only replaced by the next
// successful resolution or pushed out by the size bound.
type Cache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, domain.StreamEntry]
	ttl     time.Duration
	backend Backend
	logger  *slog.Logger
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithBackend(backend Backend) Option {
	return func(c *Cache) {
		c.backend = backend
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(maxEntries int, options ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	// NewLRU only fails for a non-positive size.
	entries, _ := simplelru.NewLRU[string, domain.StreamEntry](maxEntries, nil)
	cache := &Cache{
		entries: entries,
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(cache)
		}
	}
	return cache
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the entry for trackID whether or not it is still fresh.
func (c *Cache) Lookup(trackID string) (domain.StreamEntry, bool) {
	c.mu.Lock()
	entry, ok := c.entries.Get(trackID)
	c.mu.Unlock()
	if ok {
		metrics.CacheHitsTotal.Inc()
		return entry, true
	}

	if c.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		shared, found, err := c.backend.Get(ctx, trackID)
		if err != nil {
			c.logger.Debug("stream cache backend lookup failed",
				slog.String("trackId", trackID),
				slog.String("error", err.Error()),
			)
		}
		if err == nil && found {
			metrics.CacheHitsTotal.Inc()
			c.mu.Lock()
			// A concurrent Store may have landed first; keep the newer one.
			if current, ok := c.entries.Peek(trackID); ok && current.ResolvedAt.After(shared.ResolvedAt) {
				shared = current
			} else {
				c.entries.Add(trackID, shared)
			}
			c.mu.Unlock()
			return shared, true
		}
	}

	metrics.CacheMissesTotal.Inc()
	return domain.StreamEntry{}, false
}

// IsFresh reports whether entry was resolved no more than TTL before now.
func (c *Cache) IsFresh(entry domain.StreamEntry, now time.Time) bool {
	if entry.ResolvedAt.IsZero() {
		return false
	}
	return now.Sub(entry.ResolvedAt) <= c.ttl
}

// Store overwrites whatever is cached for trackID.
func (c *Cache) Store(trackID, streamURL, title, artist string, now time.Time) domain.StreamEntry {
	entry := domain.StreamEntry{
		TrackID:    trackID,
		StreamURL:  streamURL,
		Title:      title,
		Artist:     artist,
		ResolvedAt: now,
	}

	c.mu.Lock()
	c.entries.Add(trackID, entry)
	c.mu.Unlock()
	metrics.CacheStoresTotal.Inc()

	if c.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		defer cancel()
		if err := c.backend.Set(ctx, entry, 2*c.ttl); err != nil {
			c.logger.Debug("stream cache backend store failed",
				slog.String("trackId", trackID),
				slog.String("error", err.Error()),
			)
		}
	}
	return entry
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
