package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache holds the last valid traded price per instrument key.
// Keys are "symbol:venue". Non-positive prices are rejected so a zero tick
// from the feed never clobbers a usable price.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a key. Zero or negative prices are ignored and the
// previous valid price is kept.
func (c *ShardedPriceCache) Set(key string, price float64) bool {
	if price <= 0 {
		return false
	}
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = priceEntry{
		price:     price,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
	return true
}

// Get retrieves the last valid price for a key.
func (c *ShardedPriceCache) Get(key string) (float64, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge retrieves a price and its age.
func (c *ShardedPriceCache) GetWithAge(key string) (float64, time.Duration, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Delete removes a key from the cache.
func (c *ShardedPriceCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// CleanupInvalid removes entries not in the active key set. Called after a
// subscription reconcile so prices for dropped instruments don't go stale.
func (c *ShardedPriceCache) CleanupInvalid(activeKeys []string) int {
	valid := make(map[string]bool, len(activeKeys))
	for _, k := range activeKeys {
		valid[k] = true
	}

	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.items {
			if !valid[key] {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll returns all cached prices (for the status API).
func (c *ShardedPriceCache) GetAll() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, entry := range shard.items {
			result[key] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}
