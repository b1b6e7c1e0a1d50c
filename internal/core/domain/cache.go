package domain

import (
	"encoding/json"
	"time"
)

// CacheEntry is the stored envelope of one cached query result.
type CacheEntry struct {
	Key       string          `json:"key"`
	Namespace string          `json:"namespace"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	TTLMillis int64           `json:"ttl_ms"`
	Hits      int             `json:"hits"`
}

// Remaining returns the time left before the entry expires.
func (e CacheEntry) Remaining(now time.Time) time.Duration {
	expiresAt := e.CreatedAt.Add(time.Duration(e.TTLMillis) * time.Millisecond)
	return expiresAt.Sub(now)
}

type NamespaceCacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

type CacheStatsSnapshot struct {
	TotalQueries int64                          `json:"total_queries"`
	Hits         int64                          `json:"hits"`
	Misses       int64                          `json:"misses"`
	HitRate      float64                        `json:"hit_rate"`
	ByNamespace  map[string]NamespaceCacheStats `json:"by_namespace"`
}
