// Package sigcache caches the opaque "thought signatures" Upstream attaches
// to thinking blocks and requires verbatim on a later turn. Entries expire
// on a TTL and are evicted LRU-first once the cache is full.
package sigcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	minSignatureLen = 10
	maxSignatureLen = 10000
)

// entry is the value stored per hash key.
type entry struct {
	signature string
	createdAt time.Time
	expiresAt time.Time
}

// Config controls cache sizing and background cleanup.
type Config struct {
	TTL             time.Duration // default 1h
	MaxEntries      int           // default 10000
	CleanupInterval time.Duration // 0 disables the background sweep
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		TTL:             time.Hour,
		MaxEntries:      10000,
		CleanupInterval: 5 * time.Minute,
	}
}

// Cache is a TTL+LRU cache keyed by SHA-256 of the thinking text. A single
// mutex serializes every operation, reads included, so concurrent reads
// wait on each other.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *entry]
	ttl time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Cache from cfg, applying defaults for zero fields, and
// starts the background cleanup timer if CleanupInterval > 0.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}

	inner, err := lru.New[string, *entry](cfg.MaxEntries)
	if err != nil {
		// Only returned by golang-lru for a non-positive size, which we've
		// just guarded against above.
		panic(err)
	}

	c := &Cache{
		lru:    inner,
		ttl:    cfg.TTL,
		stopCh: make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop(cfg.CleanupInterval)
	}

	return c
}

// Close stops the background cleanup goroutine, if one was started. Safe to
// call more than once and safe to call when no timer was started.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// hashText returns the hex-encoded SHA-256 of the UTF-8 bytes of text.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Validate reports whether s is usable as a thought signature: non-empty
// after trimming whitespace, and between 10 and 10000 bytes.
func Validate(signature string) bool {
	trimmed := strings.TrimSpace(signature)
	if trimmed == "" {
		return false
	}
	n := len(signature)
	return n >= minSignatureLen && n <= maxSignatureLen
}

// Get looks up the signature cached for thinkingText. It returns ("",
// false) on a miss, and also on a hit whose entry has expired — in which
// case the stale entry is evicted before returning.
func (c *Cache) Get(thinkingText string) (string, bool) {
	key := hashText(thinkingText)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return "", false
	}
	return e.signature, true
}

// Set stores signature for thinkingText, rejecting signatures that fail
// Validate. Insertion evicts the least-recently-used entry first if the
// cache is already at MaxEntries; golang-lru's Add does this internally.
func (c *Cache) Set(thinkingText, signature string) bool {
	if !Validate(signature) {
		return false
	}

	key := hashText(thinkingText)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(key, &entry{
		signature: signature,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	})
	return true
}

// CleanupExpired removes every entry whose expiresAt has passed. O(n) in
// the current cache size.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.After(e.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-c.stopCh:
			return
		}
	}
}
