package services

import (
	"container/list"
	"sync"
	"time"

	"veilchat/internal/models"
)

// HotEntry is the full in-memory payload for one chat: metadata plus message
// history, including messages in transient states that never reach the
// document store.
type HotEntry struct {
	Chat     *models.Chat
	Messages []*models.Message
}

// CacheTier is the two-tier per-user chat cache.
//
// Hot holds up to hotCap full chats per user; Warm holds up to warmCap chat
// metadata records per user. Both are LRU within their user bucket and carry
// a sliding TTL: any read or write refreshes the entry, and expired entries
// are dropped lazily on the next access. Every hot chat also has a warm
// entry; the two tiers share the chat pointer, so metadata stays consistent.
type CacheTier struct {
	mu      sync.Mutex
	hot     map[string]*bucket
	warm    map[string]*bucket
	hotCap  int
	warmCap int
	ttl     time.Duration

	hits   [2]int64
	misses [2]int64

	// now is swappable in tests to drive TTL expiry.
	now func() time.Time
}

const (
	tierHot  = 0
	tierWarm = 1
)

type bucket struct {
	byID  map[string]*list.Element
	order *list.List // front = most recently used
}

type cacheItem struct {
	chatID     string
	value      interface{}
	lastAccess time.Time
}

// NewCacheTier builds the cache with per-user capacities and sliding TTL.
func NewCacheTier(hotCap, warmCap int, ttl time.Duration) *CacheTier {
	return &CacheTier{
		hot:     make(map[string]*bucket),
		warm:    make(map[string]*bucket),
		hotCap:  hotCap,
		warmCap: warmCap,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func newBucket() *bucket {
	return &bucket{byID: make(map[string]*list.Element), order: list.New()}
}

// get returns a live entry, refreshing its recency and TTL. Expired entries
// are removed and reported as misses.
func (c *CacheTier) get(tier map[string]*bucket, userHash, chatID string) (interface{}, bool) {
	b, ok := tier[userHash]
	if !ok {
		return nil, false
	}
	elem, ok := b.byID[chatID]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if c.now().Sub(item.lastAccess) > c.ttl {
		b.order.Remove(elem)
		delete(b.byID, chatID)
		return nil, false
	}
	item.lastAccess = c.now()
	b.order.MoveToFront(elem)
	return item.value, true
}

// put inserts or refreshes an entry, evicting the least recently used entry
// when the user's bucket is full.
func (c *CacheTier) put(tier map[string]*bucket, userHash, chatID string, value interface{}, capacity int) {
	b, ok := tier[userHash]
	if !ok {
		b = newBucket()
		tier[userHash] = b
	}
	if elem, ok := b.byID[chatID]; ok {
		item := elem.Value.(*cacheItem)
		item.value = value
		item.lastAccess = c.now()
		b.order.MoveToFront(elem)
		return
	}
	for b.order.Len() >= capacity {
		oldest := b.order.Back()
		if oldest == nil {
			break
		}
		b.order.Remove(oldest)
		delete(b.byID, oldest.Value.(*cacheItem).chatID)
	}
	elem := b.order.PushFront(&cacheItem{chatID: chatID, value: value, lastAccess: c.now()})
	b.byID[chatID] = elem
}

func (c *CacheTier) remove(tier map[string]*bucket, userHash, chatID string) {
	b, ok := tier[userHash]
	if !ok {
		return
	}
	if elem, ok := b.byID[chatID]; ok {
		b.order.Remove(elem)
		delete(b.byID, chatID)
	}
	if b.order.Len() == 0 {
		delete(tier, userHash)
	}
}

// GetHot returns the full payload for a chat if it is hot.
func (c *CacheTier) GetHot(userHash, chatID string) (*HotEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.get(c.hot, userHash, chatID)
	if !ok {
		c.misses[tierHot]++
		return nil, false
	}
	c.hits[tierHot]++
	return v.(*HotEntry), true
}

// PutHot promotes a chat to the hot tier and mirrors its metadata into the
// warm tier, keeping the hot ⊆ warm invariant.
func (c *CacheTier) PutHot(userHash, chatID string, entry *HotEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(c.hot, userHash, chatID, entry, c.hotCap)
	c.put(c.warm, userHash, chatID, entry.Chat, c.warmCap)
}

// GetWarm returns cached chat metadata.
func (c *CacheTier) GetWarm(userHash, chatID string) (*models.Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.get(c.warm, userHash, chatID)
	if !ok {
		c.misses[tierWarm]++
		return nil, false
	}
	c.hits[tierWarm]++
	return v.(*models.Chat), true
}

// PutWarm caches chat metadata without touching the hot tier.
func (c *CacheTier) PutWarm(userHash, chatID string, chat *models.Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(c.warm, userHash, chatID, chat, c.warmCap)
}

// Evict removes a chat from both tiers (chat deleted).
func (c *CacheTier) Evict(userHash, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(c.hot, userHash, chatID)
	c.remove(c.warm, userHash, chatID)
}

// CachedChats returns the live warm-tier chats for a user, most recent
// first. Used by delta computation to overlay cache-only state (drafts,
// draft-only chats) on top of the store's ranged query. Recency and TTL are
// not refreshed; this is a scan, not an access.
func (c *CacheTier) CachedChats(userHash string) []*models.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.warm[userHash]
	if !ok {
		return nil
	}
	now := c.now()
	var chats []*models.Chat
	for elem := b.order.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem)
		if now.Sub(item.lastAccess) > c.ttl {
			continue
		}
		chats = append(chats, item.value.(*models.Chat))
	}
	return chats
}

// HotLen and WarmLen report a user's live bucket sizes (tests, stats job).
func (c *CacheTier) HotLen(userHash string) int  { return c.lenOf(c.hot, userHash) }
func (c *CacheTier) WarmLen(userHash string) int { return c.lenOf(c.warm, userHash) }

func (c *CacheTier) lenOf(tier map[string]*bucket, userHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := tier[userHash]
	if !ok {
		return 0
	}
	return b.order.Len()
}

// CacheStats is a point-in-time snapshot of hit/miss counters.
type CacheStats struct {
	HotHits    int64
	HotMisses  int64
	WarmHits   int64
	WarmMisses int64
}

// Stats returns cumulative hit/miss counters.
func (c *CacheTier) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		HotHits:    c.hits[tierHot],
		HotMisses:  c.misses[tierHot],
		WarmHits:   c.hits[tierWarm],
		WarmMisses: c.misses[tierWarm],
	}
}
