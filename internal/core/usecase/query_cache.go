package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

const (
	cacheKeyPrefix  = "qc:"
	crossNamespace  = "_all"
	defaultCacheTTL = 5 * time.Minute
)

// CacheStats counts cache lookups globally and per namespace.
type CacheStats struct {
	mu     sync.Mutex
	hits   int64
	misses int64
	byNs   map[string]*domain.NamespaceCacheStats
}

func NewCacheStats() *CacheStats {
	return &CacheStats{byNs: make(map[string]*domain.NamespaceCacheStats)}
}

func (s *CacheStats) RecordHit(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	s.namespace(namespace).Hits++
}

func (s *CacheStats) RecordMiss(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses++
	s.namespace(namespace).Misses++
}

func (s *CacheStats) namespace(name string) *domain.NamespaceCacheStats {
	ns, ok := s.byNs[name]
	if !ok {
		ns = &domain.NamespaceCacheStats{}
		s.byNs[name] = ns
	}
	return ns
}

func (s *CacheStats) Snapshot() domain.CacheStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := domain.CacheStatsSnapshot{
		TotalQueries: s.hits + s.misses,
		Hits:         s.hits,
		Misses:       s.misses,
		HitRate:      hitRate(s.hits, s.misses),
		ByNamespace:  make(map[string]domain.NamespaceCacheStats, len(s.byNs)),
	}
	for name, ns := range s.byNs {
		out.ByNamespace[name] = domain.NamespaceCacheStats{
			Hits:    ns.Hits,
			Misses:  ns.Misses,
			HitRate: hitRate(ns.Hits, ns.Misses),
		}
	}
	return out
}

func (s *CacheStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = 0
	s.misses = 0
	s.byNs = make(map[string]*domain.NamespaceCacheStats)
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// QueryCache stores full query results under namespace-prefixed keys.
// Store failures degrade to misses and skipped writes.
type QueryCache struct {
	store      ports.CacheStore
	catalog    *domain.NamespaceCatalog
	defaultTTL time.Duration
	stats      *CacheStats
	logger     *slog.Logger
	now        func() time.Time
}

func NewQueryCache(
	store ports.CacheStore,
	catalog *domain.NamespaceCatalog,
	defaultTTL time.Duration,
	stats *CacheStats,
	logger *slog.Logger,
) *QueryCache {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if stats == nil {
		stats = NewCacheStats()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryCache{
		store:      store,
		catalog:    catalog,
		defaultTTL: defaultTTL,
		stats:      stats,
		logger:     logger,
		now:        time.Now,
	}
}

func bucket(namespace string) string {
	if namespace == "" {
		return crossNamespace
	}
	return namespace
}

func namespacePrefix(namespace string) string {
	return cacheKeyPrefix + bucket(namespace) + ":"
}

// Key hashes the namespace, the lower-cased trimmed query and the JSON form of params.
func (c *QueryCache) Key(namespace, query string, params any) (string, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal cache params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(bucket(namespace)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	h.Write([]byte{0})
	h.Write(rawParams)
	return namespacePrefix(namespace) + hex.EncodeToString(h.Sum(nil)), nil
}

func (c *QueryCache) ttlFor(namespace string) time.Duration {
	if namespace == "" || c.catalog == nil {
		return c.defaultTTL
	}
	ns, err := c.catalog.Lookup(namespace)
	if err != nil || ns.CacheTTL <= 0 {
		return c.defaultTTL
	}
	return ns.CacheTTL
}

// Get decodes a cached result into out. A hit bumps the stored hit counter
// and re-stores the entry with its remaining TTL.
func (c *QueryCache) Get(ctx context.Context, namespace, query string, params any, out any) bool {
	label := bucket(namespace)
	key, err := c.Key(namespace, query, params)
	if err != nil {
		c.stats.RecordMiss(label)
		return false
	}

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			c.logger.Warn("cache_store_unavailable", "operation", "get", "namespace", label, "error", err)
		}
		c.stats.RecordMiss(label)
		return false
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.stats.RecordMiss(label)
		return false
	}
	remaining := entry.Remaining(c.now())
	if remaining <= 0 {
		c.stats.RecordMiss(label)
		return false
	}
	if err := json.Unmarshal(entry.Result, out); err != nil {
		c.stats.RecordMiss(label)
		return false
	}

	entry.Hits++
	if updated, err := json.Marshal(entry); err == nil {
		if err := c.store.Put(ctx, key, updated, remaining); err != nil {
			c.logger.Warn("cache_store_unavailable", "operation", "touch", "namespace", label, "error", err)
		}
	}
	c.stats.RecordHit(label)
	return true
}

func (c *QueryCache) Put(ctx context.Context, namespace, query string, params any, result any) {
	label := bucket(namespace)
	key, err := c.Key(namespace, query, params)
	if err != nil {
		return
	}
	rawResult, err := json.Marshal(result)
	if err != nil {
		return
	}

	ttl := c.ttlFor(namespace)
	entry := domain.CacheEntry{
		Key:       key,
		Namespace: label,
		Result:    rawResult,
		CreatedAt: c.now().UTC(),
		TTLMillis: ttl.Milliseconds(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.store.Put(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache_store_unavailable", "operation", "put", "namespace", label, "error", err)
	}
}

// InvalidateNamespace deletes every key of one namespace bucket. An empty
// namespace targets the cross-namespace bucket.
func (c *QueryCache) InvalidateNamespace(ctx context.Context, namespace string) (int, error) {
	keys, err := c.store.ListByPrefix(ctx, namespacePrefix(namespace))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (c *QueryCache) Stats() domain.CacheStatsSnapshot {
	return c.stats.Snapshot()
}

func (c *QueryCache) ResetStats() {
	c.stats.Reset()
}
