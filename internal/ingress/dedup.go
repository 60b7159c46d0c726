package ingress

import (
	"container/list"
	"sync"
	"time"
)

// dedupCache is the fast in-memory duplicate filter in front of the database.
// It remembers recently seen event ids and answers "seen before?" without a
// round trip. Entries older than ttl are reclaimed, but the cache always
// retains at least minEntries so a reconnect burst replaying the last few
// seconds of events is absorbed even under heavy flow.
//
// The cache is an optimization only. The event log's unique constraint is
// the authoritative dedup; a miss here costs one rejected insert, never a
// double trade.
type dedupCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	minEntries int
	entries    map[string]*list.Element
	order      *list.List // oldest at front
	now        func() time.Time
}

type dedupEntry struct {
	id     string
	seenAt time.Time
}

func newDedupCache(ttl time.Duration, minEntries int) *dedupCache {
	return &dedupCache{
		ttl:        ttl,
		minEntries: minEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

// Seen records id and reports whether it was already present. Expired
// entries beyond the retention floor are reclaimed on the way in.
func (c *dedupCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reclaim()

	if el, ok := c.entries[id]; ok {
		el.Value.(*dedupEntry).seenAt = c.now()
		c.order.MoveToBack(el)
		return true
	}
	c.entries[id] = c.order.PushBack(&dedupEntry{id: id, seenAt: c.now()})
	return false
}

func (c *dedupCache) reclaim() {
	cutoff := c.now().Add(-c.ttl)
	for c.order.Len() > c.minEntries {
		front := c.order.Front()
		e := front.Value.(*dedupEntry)
		if !e.seenAt.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.id)
	}
}

// size reports the current entry count, for tests.
func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
