// SPDX-License-Identifier: MIT

// Package cache is a two-tier TTL cache: an in-process memory tier in
// front of the durable kv store. Values are JSON documents. The
// memory tier is promoted from the durable tier on read and is always
// at least as fresh as the durable tier for the same key.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
	"github.com/tidwall/gjson"

	"github.com/nostrium/orbit/cfg"
	"github.com/nostrium/orbit/database/kv"
)

type (
	Cache struct {
		config  *Config
		durable *kv.Store
		memory  *xsync.MapOf[Key, *entry]
		now     func() time.Time

		// Serializes durable-tier mutations. A flush holds it from
		// batch snapshot through the durable write, so an invalidation
		// cannot land in between and be overwritten by the batch.
		// Always acquired before flushMx.
		durableMx sync.Mutex

		// Single-owner batch buffer, flushed by exactly one flush
		// task per debounce cycle.
		flushMx         sync.Mutex
		pendingWrites   map[Key]*entry
		pendingRemovals map[string]struct{}
		flushTimer      *time.Timer

		registry metrics.Registry
		hits     metrics.Counter
		misses   metrics.Counter
		flushes  metrics.Counter
		evicted  metrics.Counter
	}

	entry struct {
		Data          json.RawMessage `json:"data"`
		StoredAt      int64           `json:"storedAt"`
		TTLMillis     int64           `json:"ttl"`
		SchemaVersion int             `json:"schemaVersion"`
	}
)

const (
	schemaVersion = 1

	flushWriteTimeout = 10 * time.Second
	sweepBatchSize    = 500
)

func (e *entry) validAt(now time.Time) bool {
	return now.UnixMilli()-e.StoredAt < e.TTLMillis
}

func New(durable *kv.Store) *Cache {
	config := cfg.MustGet[Config]().withDefaults()
	registry := metrics.NewRegistry()
	c := &Cache{
		config:          config,
		durable:         durable,
		memory:          xsync.NewMapOf[Key, *entry](),
		now:             time.Now,
		pendingWrites:   make(map[Key]*entry),
		pendingRemovals: make(map[string]struct{}),
		registry:        registry,
		hits:            metrics.GetOrRegisterCounter("cacheHits", registry),
		misses:          metrics.GetOrRegisterCounter("cacheMisses", registry),
		flushes:         metrics.GetOrRegisterCounter("cacheFlushedWrites", registry),
		evicted:         metrics.GetOrRegisterCounter("cacheEvictions", registry),
	}

	return c
}

func (c *Cache) Metrics() metrics.Registry {
	return c.registry
}

// Get checks the memory tier first, then the durable tier, promoting
// valid durable entries into memory. Absence is a normal return
// value, never an error: durable reads that fail to parse count as
// misses and queue the key for removal.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	if cached, found := c.memory.Load(key); found {
		if cached.validAt(c.now()) {
			c.hits.Inc(1)

			return cached.Data, true
		}
		c.memory.Delete(key)
		c.evicted.Inc(1)
	}

	raw, err := c.durable.Get(ctx, key.storageKey())
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Printf("WARN: durable cache read failed for %v:%v: %v", key.Category, key.ID, err)
		}
		c.misses.Inc(1)

		return nil, false
	}
	var stored entry
	if err = json.Unmarshal(raw, &stored); err != nil || stored.TTLMillis <= 0 {
		c.queueRemoval(key.storageKey())
		c.misses.Inc(1)

		return nil, false
	}
	if !stored.validAt(c.now()) {
		c.queueRemoval(key.storageKey())
		c.evicted.Inc(1)
		c.misses.Inc(1)

		return nil, false
	}
	promoted := c.storeIfNewer(key, &stored)
	c.hits.Inc(1)

	return promoted.Data, true
}

// Set writes the memory tier immediately (read-your-writes within the
// process) and enqueues a durable write. Durable writes are coalesced
// per debounce window; every Set resets the window.
func (c *Cache) Set(ctx context.Context, key Key, data []byte) {
	c.SetWithTTL(ctx, key, data, c.config.policy(key.Category).TTL)
}

func (c *Cache) SetWithTTL(_ context.Context, key Key, data []byte, ttl time.Duration) {
	data = c.trimListValue(key.Category, data)
	fresh := &entry{
		Data:          data,
		StoredAt:      c.now().UnixMilli(),
		TTLMillis:     ttl.Milliseconds(),
		SchemaVersion: schemaVersion,
	}

	c.storeIfNewer(key, fresh)

	c.flushMx.Lock()
	defer c.flushMx.Unlock()
	if existing, found := c.pendingWrites[key]; found && existing.StoredAt > fresh.StoredAt {
		return
	}
	c.pendingWrites[key] = fresh
	delete(c.pendingRemovals, key.storageKey())
	c.resetFlushTimerLocked()
}

// storeIfNewer installs the entry into the memory tier unless a newer
// write already sits there (last-writer-wins by storedAt) and reports
// the winning entry. Both Set and the durable promotion on Get go
// through here, so a promotion can never clobber a concurrent write.
func (c *Cache) storeIfNewer(key Key, fresh *entry) *entry {
	winner, _ := c.memory.Compute(key, func(existing *entry, loaded bool) (*entry, bool) {
		if loaded && existing.StoredAt > fresh.StoredAt {
			return existing, false
		}

		return fresh, false
	})

	return winner
}

// Invalidate removes the key from both tiers synchronously so the
// next read is guaranteed fresh.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	c.memory.Delete(key)
	c.durableMx.Lock()
	defer c.durableMx.Unlock()
	c.flushMx.Lock()
	delete(c.pendingWrites, key)
	delete(c.pendingRemovals, key.storageKey())
	c.flushMx.Unlock()

	return errors.Wrapf(c.durable.Remove(ctx, key.storageKey()), "failed to invalidate cache key %v:%v", key.Category, key.ID)
}

// InvalidateCategory drops every entry of the given category.
func (c *Cache) InvalidateCategory(ctx context.Context, category Category) error {
	c.memory.Range(func(key Key, _ *entry) bool {
		if key.Category == category {
			c.memory.Delete(key)
		}

		return true
	})
	c.durableMx.Lock()
	defer c.durableMx.Unlock()
	c.flushMx.Lock()
	for key := range c.pendingWrites {
		if key.Category == category {
			delete(c.pendingWrites, key)
		}
	}
	c.flushMx.Unlock()

	keys, err := c.durable.ListKeys(ctx, categoryPrefix(category))
	if err != nil {
		return errors.Wrapf(err, "failed to list cache keys for category %v", category)
	}

	return errors.Wrapf(c.durable.MultiRemove(ctx, keys), "failed to invalidate cache category %v", category)
}

// Clear drops everything in every tier.
func (c *Cache) Clear(ctx context.Context) error {
	c.memory.Clear()
	c.durableMx.Lock()
	defer c.durableMx.Unlock()
	c.flushMx.Lock()
	c.pendingWrites = make(map[Key]*entry)
	c.pendingRemovals = make(map[string]struct{})
	c.flushMx.Unlock()

	keys, err := c.durable.ListKeys(ctx, storageNamespace)
	if err != nil {
		return errors.Wrap(err, "failed to list cache keys")
	}

	return errors.Wrap(c.durable.MultiRemove(ctx, keys), "failed to clear cache")
}

// SweepExpired scans the whole durable cache namespace, bulk-removes
// entries that are expired or fail to parse, evicts expired memory
// entries, and records the sweep time.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	now := c.now()
	c.memory.Range(func(key Key, cached *entry) bool {
		if !cached.validAt(now) {
			c.memory.Delete(key)
			c.evicted.Inc(1)
		}

		return true
	})

	c.durableMx.Lock()
	defer c.durableMx.Unlock()
	keys, err := c.durable.ListKeys(ctx, storageNamespace)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list cache keys for sweep")
	}
	var removed []string
	for start := 0; start < len(keys); start += sweepBatchSize {
		end := min(start+sweepBatchSize, len(keys))
		pairs, mErr := c.durable.MultiGet(ctx, keys[start:end])
		if mErr != nil {
			return 0, errors.Wrap(mErr, "failed to read cache entries for sweep")
		}
		for idx := range pairs {
			var stored entry
			if uErr := json.Unmarshal(pairs[idx].Value, &stored); uErr != nil || stored.TTLMillis <= 0 || !stored.validAt(now) {
				removed = append(removed, pairs[idx].Key)
			}
		}
	}
	if err = c.durable.MultiRemove(ctx, removed); err != nil {
		return 0, errors.Wrapf(err, "failed to remove %v expired cache entries", len(removed))
	}
	c.evicted.Inc(int64(len(removed)))
	if err = c.durable.Set(ctx, lastSweepKey, []byte(strconv.FormatInt(now.UnixMilli(), 10))); err != nil {
		log.Printf("WARN: failed to record cache sweep time: %v", err)
	}

	return len(removed), nil
}

// SweepIfDue runs SweepExpired when the recorded last sweep is older
// than the configured interval. Meant to be called once on startup.
func (c *Cache) SweepIfDue(ctx context.Context) (int, error) {
	raw, err := c.durable.Get(ctx, lastSweepKey)
	if err == nil {
		if lastMillis, pErr := strconv.ParseInt(string(raw), 10, 64); pErr == nil {
			if c.now().Sub(time.UnixMilli(lastMillis)) < c.config.SweepInterval {
				return 0, nil
			}
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return 0, errors.Wrap(err, "failed to read last cache sweep time")
	}

	return c.SweepExpired(ctx)
}

// Stats counts durable cache entries by category.
func (c *Cache) Stats(ctx context.Context) (map[Category]int, error) {
	keys, err := c.durable.ListKeys(ctx, storageNamespace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache keys for stats")
	}
	counts := make(map[Category]int, len(AllCategories))
	for _, storageKey := range keys {
		if key, ok := parseStorageKey(storageKey); ok {
			counts[key.Category]++
		}
	}

	return counts, nil
}

// Close flushes whatever is still pending.
func (c *Cache) Close() error {
	c.flushMx.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.flushMx.Unlock()
	c.flush()

	return nil
}

func (c *Cache) queueRemoval(storageKey string) {
	c.flushMx.Lock()
	defer c.flushMx.Unlock()
	c.pendingRemovals[storageKey] = struct{}{}
	c.resetFlushTimerLocked()
}

func (c *Cache) resetFlushTimerLocked() {
	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.config.DebounceFlushInterval, c.flush)

		return
	}
	c.flushTimer.Reset(c.config.DebounceFlushInterval)
}

func (c *Cache) flush() {
	c.durableMx.Lock()
	defer c.durableMx.Unlock()
	c.flushMx.Lock()
	writes := c.pendingWrites
	removals := c.pendingRemovals
	c.pendingWrites = make(map[Key]*entry)
	c.pendingRemovals = make(map[string]struct{})
	c.flushMx.Unlock()
	if len(writes) == 0 && len(removals) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushWriteTimeout)
	defer cancel()

	pairs := make([]kv.Pair, 0, len(writes))
	for key, pending := range writes {
		serialized, err := json.Marshal(pending)
		if err != nil {
			log.Printf("WARN: failed to serialize cache entry %v:%v: %v", key.Category, key.ID, err)

			continue
		}
		pairs = append(pairs, kv.Pair{Key: key.storageKey(), Value: serialized})
	}
	if err := c.durable.MultiSet(ctx, pairs); err != nil {
		log.Printf("WARN: failed to flush %v cache writes: %v", len(pairs), err)
	} else {
		c.flushes.Inc(int64(len(pairs)))
	}

	keys := make([]string, 0, len(removals))
	for storageKey := range removals {
		keys = append(keys, storageKey)
	}
	if err := c.durable.MultiRemove(ctx, keys); err != nil {
		log.Printf("WARN: failed to remove %v stale cache entries: %v", len(keys), err)
	}
}

// trimListValue caps list-shaped values to the category's configured
// maximum, dropping the tail. Trimming happens on write, not read.
func (c *Cache) trimListValue(category Category, data []byte) []byte {
	maxItems := c.config.policy(category).MaxItems
	if maxItems <= 0 {
		return data
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return data
	}
	items := parsed.Array()
	if len(items) <= maxItems {
		return data
	}
	raws := make([]string, 0, maxItems)
	for idx := 0; idx < maxItems; idx++ {
		raws = append(raws, items[idx].Raw)
	}

	return []byte("[" + strings.Join(raws, ",") + "]")
}
