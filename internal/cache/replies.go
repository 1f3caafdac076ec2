// Package cache remembers the reply given to a chat message so a transport
// that redelivers the message gets the same answer back.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default limits for a ReplyCache.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

// Options configures a ReplyCache.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry[V any] struct {
	value  V
	stored int64
}

// ReplyCache keeps successful results by key for a TTL. Concurrent calls
// for the same key share one computation.
type ReplyCache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	group   singleflight.Group
}

// NewReplyCache creates a cache. Zero options use DefaultTTL and
// DefaultMaxSize.
func NewReplyCache[V any](opts Options) *ReplyCache[V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ReplyCache[V]{
		entries: make(map[string]entry[V]),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
	}
}

// Do returns the cached value for key, or runs fn and caches its result
// when fn succeeds. replayed reports whether the value came from an earlier
// or concurrent call. An empty key always runs fn.
func (c *ReplyCache[V]) Do(key string, fn func() (V, error)) (value V, replayed bool, err error) {
	if c == nil || key == "" {
		value, err = fn()
		return value, false, err
	}
	if cached, ok := c.get(key); ok {
		return cached, true, nil
	}

	ran := false
	result, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.get(key); ok {
			return cached, nil
		}
		ran = true
		v, err := fn()
		if err != nil {
			return v, err
		}
		c.put(key, v)
		return v, nil
	})
	if result != nil {
		value = result.(V)
	}
	return value, !ran, err
}

func (c *ReplyCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().UnixMilli()-e.stored >= c.ttl.Milliseconds() {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ReplyCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UnixMilli()
	c.entries[key] = entry[V]{value: value, stored: now}
	c.prune(now)
}

// prune removes expired entries, then the oldest ones over maxSize.
func (c *ReplyCache[V]) prune(nowUnix int64) {
	cutoff := nowUnix - c.ttl.Milliseconds()
	for key, e := range c.entries {
		if e.stored <= cutoff {
			delete(c.entries, key)
		}
	}

	for len(c.entries) > c.maxSize {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for k, e := range c.entries {
			if e.stored < oldest {
				oldest = e.stored
				oldestKey = k
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Size returns the current number of entries.
func (c *ReplyCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MessageKey builds the cache key of a message delivered to a session.
func MessageKey(sessionID, messageID string) string {
	if messageID == "" {
		return ""
	}
	return sessionID + ":" + messageID
}
