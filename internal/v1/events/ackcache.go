package events

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultAckCacheSize bounds per-socket dedup memory.
const DefaultAckCacheSize = 256

// AckCache remembers the outcome of recently ack'd client events so that a
// retry carrying the same messageId replays the original outcome instead of
// re-executing the handler.
type AckCache struct {
	cache *lru.Cache[string, AckPayload]
}

// NewAckCache creates a bounded dedup cache. Size must be positive; the
// default is used otherwise.
func NewAckCache(size int) *AckCache {
	if size <= 0 {
		size = DefaultAckCacheSize
	}
	// lru.New only fails on a non-positive size, which is guarded above.
	c, _ := lru.New[string, AckPayload](size)
	return &AckCache{cache: c}
}

// Get returns the cached ack for a messageId, if any.
func (a *AckCache) Get(messageID string) (AckPayload, bool) {
	return a.cache.Get(messageID)
}

// Put records the outcome for a messageId.
func (a *AckCache) Put(messageID string, ack AckPayload) {
	a.cache.Add(messageID, ack)
}
