// Package cache is the content-keyed response cache for analysis results.
// Entries are persisted through the key-value store under a fixed prefix; a
// secondary index record tracks {key, timestamp} pairs so capacity eviction
// never scans the whole store.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"physique-analyze-pipeline/kvstore"
	"physique-analyze-pipeline/metrics"
	"physique-analyze-pipeline/models"

	"github.com/apex/log"
)

const (
	// keyPrefix namespaces cache records in the shared key-value store.
	keyPrefix = "physique_cache:"
	indexKey  = keyPrefix + "index"
)

// entry is the persisted form of one cached analysis. Timestamps are unix
// milliseconds; ExpiresAt == 0 means the entry never expires.
type entry struct {
	Key       string                 `json:"key"`
	Result    *models.AnalysisResult `json:"result"`
	CreatedAt int64                  `json:"createdAt"`
	ExpiresAt int64                  `json:"expiresAt"`
}

// indexEntry is one row of the eviction index.
type indexEntry struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"`
}

// Stats summarizes cache contents.
type Stats struct {
	Count      int       `json:"count"`
	TotalBytes int64     `json:"totalBytes"`
	Oldest     time.Time `json:"oldest,omitempty"`
	Newest     time.Time `json:"newest,omitempty"`
}

// ResponseCache caches analysis results keyed by an image fingerprint.
// Storage failures are logged and swallowed: a caching problem must never
// fail an analysis request.
type ResponseCache struct {
	store         kvstore.Store
	ttl           time.Duration
	maxEntries    int
	evictFraction float64

	mu  sync.Mutex
	now func() time.Time
}

// New creates a response cache. ttl of 0 means entries never expire.
// evictFraction is the share of maxEntries removed when the cache is full.
func New(store kvstore.Store, ttl time.Duration, maxEntries int, evictFraction float64) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if evictFraction <= 0 || evictFraction >= 1 {
		evictFraction = 0.2
	}
	return &ResponseCache{
		store:         store,
		ttl:           ttl,
		maxEntries:    maxEntries,
		evictFraction: evictFraction,
		now:           time.Now,
	}
}

// Fingerprint derives the cache key for an image reference. FNV-1a is fast
// and non-cryptographic; a collision only costs a wrong cache hit, never
// corrupt data, so that trade is acceptable here.
func Fingerprint(imageRef string) string {
	h := fnv.New64a()
	h.Write([]byte(imageRef))
	return fmt.Sprintf("%016x", h.Sum64())
}

func entryKey(fingerprint string) string {
	return keyPrefix + fingerprint
}

// Get returns the cached result for imageRef, or (nil, false) on a miss.
// Expired entries are deleted lazily on read.
func (c *ResponseCache) Get(imageRef string) (*models.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := entryKey(Fingerprint(imageRef))
	raw, err := c.store.Get(key)
	if err != nil {
		if err != kvstore.ErrNotFound {
			log.WithError(err).Warnf("cache: failed to read %s", key)
		}
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		log.WithError(err).Warnf("cache: corrupt entry %s, dropping", key)
		c.deleteEntry(key)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	if e.ExpiresAt != 0 && c.now().UnixMilli() > e.ExpiresAt {
		c.deleteEntry(key)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}

	metrics.CacheHitsTotal.Inc()
	return e.Result, true
}

// Put stores a result for imageRef, evicting the oldest entries first when
// the cache is at capacity. Never returns an error: failures are logged.
func (c *ResponseCache) Put(imageRef string, result *models.AnalysisResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := c.loadIndex()
	if len(index) >= c.maxEntries {
		index = c.evictOldest(index)
	}

	nowMs := c.now().UnixMilli()
	e := entry{
		Key:       entryKey(Fingerprint(imageRef)),
		Result:    result,
		CreatedAt: nowMs,
	}
	if c.ttl > 0 {
		e.ExpiresAt = nowMs + c.ttl.Milliseconds()
	}

	raw, err := json.Marshal(&e)
	if err != nil {
		log.WithError(err).Warn("cache: failed to marshal entry")
		return
	}
	if err := c.store.Set(e.Key, raw); err != nil {
		log.WithError(err).Warnf("cache: failed to write %s", e.Key)
		return
	}

	// Replace any previous index row for this key so one fingerprint never
	// has two live index rows.
	kept := index[:0]
	for _, row := range index {
		if row.Key != e.Key {
			kept = append(kept, row)
		}
	}
	kept = append(kept, indexEntry{Key: e.Key, Timestamp: nowMs})
	c.saveIndex(kept)
}

// Invalidate removes any cached result for imageRef.
func (c *ResponseCache) Invalidate(imageRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteEntry(entryKey(Fingerprint(imageRef)))
}

// Clear removes every cached entry and the index.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, row := range c.loadIndex() {
		if err := c.store.Delete(row.Key); err != nil {
			log.WithError(err).Warnf("cache: failed to delete %s", row.Key)
		}
	}
	if err := c.store.Delete(indexKey); err != nil {
		log.WithError(err).Warn("cache: failed to delete index")
	}
}

// GetStats reports entry count, byte footprint and the creation-time range.
func (c *ResponseCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats Stats
	index := c.loadIndex()
	stats.Count = len(index)
	for i, row := range index {
		if raw, err := c.store.Get(row.Key); err == nil {
			stats.TotalBytes += int64(len(raw))
		}
		ts := time.UnixMilli(row.Timestamp)
		if i == 0 || ts.Before(stats.Oldest) {
			stats.Oldest = ts
		}
		if i == 0 || ts.After(stats.Newest) {
			stats.Newest = ts
		}
	}
	return stats
}

// evictOldest removes the configured fraction of maxEntries, oldest first by
// creation time, and returns the surviving index.
func (c *ResponseCache) evictOldest(index []indexEntry) []indexEntry {
	evictCount := int(float64(c.maxEntries) * c.evictFraction)
	if evictCount < 1 {
		evictCount = 1
	}
	if evictCount > len(index) {
		evictCount = len(index)
	}

	sort.Slice(index, func(i, j int) bool {
		return index[i].Timestamp < index[j].Timestamp
	})

	for _, row := range index[:evictCount] {
		if err := c.store.Delete(row.Key); err != nil {
			log.WithError(err).Warnf("cache: failed to evict %s", row.Key)
		}
		metrics.CacheEvictionsTotal.Inc()
	}
	log.Infof("cache: evicted %d oldest entries (limit %d)", evictCount, c.maxEntries)

	survivors := append([]indexEntry(nil), index[evictCount:]...)
	c.saveIndex(survivors)
	return survivors
}

// deleteEntry removes one entry and its index row. Caller holds the lock.
func (c *ResponseCache) deleteEntry(key string) {
	if err := c.store.Delete(key); err != nil {
		log.WithError(err).Warnf("cache: failed to delete %s", key)
	}
	index := c.loadIndex()
	kept := index[:0]
	for _, row := range index {
		if row.Key != key {
			kept = append(kept, row)
		}
	}
	if len(kept) != len(index) {
		c.saveIndex(kept)
	}
}

func (c *ResponseCache) loadIndex() []indexEntry {
	raw, err := c.store.Get(indexKey)
	if err != nil {
		if err != kvstore.ErrNotFound {
			log.WithError(err).Warn("cache: failed to read index")
		}
		return nil
	}
	var index []indexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		log.WithError(err).Warn("cache: corrupt index, resetting")
		return nil
	}
	return index
}

func (c *ResponseCache) saveIndex(index []indexEntry) {
	raw, err := json.Marshal(index)
	if err != nil {
		log.WithError(err).Warn("cache: failed to marshal index")
		return
	}
	if err := c.store.Set(indexKey, raw); err != nil {
		log.WithError(err).Warn("cache: failed to write index")
	}
}
