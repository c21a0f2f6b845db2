package holdfast

import (
	"strings"
	"sync"
)

// ramCache is an LRU over the active generation, bounded by maxBytes. It is
// a read-through copy of the disk tier and never the only holder of an entry.
type ramItem struct {
	key  string
	ent  CachedEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func entrySize(ent CachedEntry) int64 {
	n := int64(len(ent.Body))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CachedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CachedEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

// Purge drops every key that does not start with keepPrefix.
func (c *ramCache) Purge(keepPrefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if strings.HasPrefix(k, keepPrefix) {
			continue
		}
		c.remove(it)
		delete(c.items, k)
		c.total -= it.size
		n++
	}
	return n
}

func (c *ramCache) Put(key string, ent CachedEntry) {
	sz := entrySize(ent)
	if c.maxBytes <= 0 || sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
}

// evictLocked drops least-recently-used items, 10% at a time, until the
// cache fits again.
func (c *ramCache) evictLocked() {
	if c.total <= c.maxBytes {
		return
	}
	if c.overflowLog != nil {
		c.overflowLog.Printf("ram-overflow", "RAM cache over budget (%s), evicting", formatBytes(uint64(c.maxBytes)))
	}
	for c.total > c.maxBytes && c.tail != nil {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && c.tail != nil; i++ {
			it := c.tail
			c.remove(it)
			delete(c.items, it.key)
			c.total -= it.size
		}
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
