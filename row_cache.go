package rockguard

// row_cache.go caches point lookups made through snapshots.
//
// A snapshot never changes, so a lookup keyed by (snapshot, column family,
// key) can be served from memory for as long as the entry survives in the
// LRU. Entries of released snapshots are never hit again and age out.

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/aalhour/rockguard/internal/registry"
)

type rowKey struct {
	snap registry.ID
	cf   uint32
	key  string
}

type rowEntry struct {
	value []byte
	found bool
}

// rowCache is an LRU of snapshot lookups. A nil *rowCache is a disabled
// cache.
type rowCache struct {
	lru *lru.Cache
}

func newRowCache(size int) (*rowCache, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &rowCache{lru: c}, nil
}

func (c *rowCache) get(k rowKey) (rowEntry, bool) {
	if c == nil {
		return rowEntry{}, false
	}
	v, ok := c.lru.Get(k)
	if !ok {
		return rowEntry{}, false
	}
	return v.(rowEntry), true
}

func (c *rowCache) add(k rowKey, e rowEntry) {
	if c == nil {
		return
	}
	c.lru.Add(k, e)
}

func (c *rowCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *rowCache) purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
