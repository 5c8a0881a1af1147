// Package replycache remembers the replies sent for client requests so a
// resent request can be answered without executing it again.
package replycache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/dtxn/internal/clock"
)

// Tag identifies one client request across resends.
type Tag = xid.ID

// NewTag returns a fresh request tag.
func NewTag() Tag { return xid.New() }

// ParseTag decodes the text form of a tag.
func ParseTag(s string) (Tag, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return Tag{}, fmt.Errorf("replycache: invalid tag %q: %w", s, err)
	}
	return id, nil
}

// Config bounds the cache. Zero values pick the defaults.
type Config struct {
	Capacity int
	TTL      time.Duration
	Clock    clock.Clock
}

const (
	DefaultCapacity = 4096
	DefaultTTL      = 10 * time.Minute
)

// Cache is an LRU of replies keyed by Tag with a per-entry TTL.
type Cache[V any] struct {
	capacity int
	ttl      time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	lru     *list.List
	entries map[Tag]*list.Element
}

type entry[V any] struct {
	tag     Tag
	value   V
	expires time.Time
}

// New returns an empty cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache[V]{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		clock:    clock.Ensure(cfg.Clock),
		lru:      list.New(),
		entries:  make(map[Tag]*list.Element),
	}
}

// Get returns the reply recorded for tag, if it is still live.
func (c *Cache[V]) Get(tag Tag) (V, bool) {
	var zero V
	if tag.IsNil() {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[tag]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if !c.clock.Now().Before(e.expires) {
		c.removeLocked(elem)
		return zero, false
	}
	c.lru.MoveToFront(elem)
	return e.value, true
}

// Put records value as the reply for tag, replacing any earlier reply.
func (c *Cache[V]) Put(tag Tag, value V) {
	if tag.IsNil() {
		return
	}
	expires := c.clock.Now().Add(c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[tag]; ok {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expires = expires
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[tag] = c.lru.PushFront(&entry[V]{tag: tag, value: value, expires: expires})
	for c.lru.Len() > c.capacity {
		c.removeLocked(c.lru.Back())
	}
}

// Forget drops tag.
func (c *Cache[V]) Forget(tag Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[tag]; ok {
		c.removeLocked(elem)
	}
}

// Len reports the number of entries, expired ones included until touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry[V])
	delete(c.entries, e.tag)
	c.lru.Remove(elem)
}
