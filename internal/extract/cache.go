package extract

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers the last extraction result per path so an unchanged file
// is not parsed twice. Entries are keyed by path and checked against the
// content hash.
type Cache struct {
	lru *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	hash     string
	entities []RawEntity
}

// NewCache returns a cache holding up to size files. A size below 1 is
// raised to 1.
func NewCache(size int) *Cache {
	c, _ := lru.New[string, cacheEntry](max(size, 1))
	return &Cache{lru: c}
}

// Get returns the cached entities for path if they were extracted from
// content with the given hash.
func (c *Cache) Get(path, hash string) ([]RawEntity, bool) {
	e, ok := c.lru.Get(path)
	if !ok || e.hash != hash {
		return nil, false
	}
	return e.entities, true
}

func (c *Cache) Add(path, hash string, entities []RawEntity) {
	c.lru.Add(path, cacheEntry{hash: hash, entities: entities})
}

func (c *Cache) Invalidate(path string) { c.lru.Remove(path) }

func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) Purge() { c.lru.Purge() }
