package ratelimit

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultCacheTTL = 20 * time.Second

// Cache holds read-only broker results keyed "<account_key>|<call>".
// Writes are never cached; callers invalidate an account after placing an order.
type Cache[V any] struct {
	lru *expirable.LRU[string, V]
}

func NewCache[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = 256
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func CacheKey(accountKey, call string) string {
	return accountKey + "|" + call
}

func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

func (c *Cache[V]) Put(key string, v V) {
	c.lru.Add(key, v)
}

// Invalidate drops every entry belonging to accountKey.
func (c *Cache[V]) Invalidate(accountKey string) {
	prefix := accountKey + "|"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}
