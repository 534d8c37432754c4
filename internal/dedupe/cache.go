// ABOUTME: Bounded TTL set of approval ids that have already been acted on
// ABOUTME: Claim is the single atomic gate that lets an approved tool call execute once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	at      time.Time
	element *list.Element
}

// Cache remembers claimed ids for a TTL. When full, the oldest claim is
// evicted first.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its expiry sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweeper()
	return c
}

func (c *Cache) live(cl *claim) bool {
	return c.now().Sub(cl.at) < c.ttl
}

// Claimed reports whether id holds an unexpired claim.
func (c *Cache) Claimed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.claims[id]
	return ok && c.live(cl)
}

// Claim records id and returns true if this caller is the first to claim it.
// Concurrent callers for the same id see exactly one true.
func (c *Cache) Claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[id]; ok {
		if c.live(cl) {
			return false
		}
		c.order.Remove(cl.element)
		delete(c.claims, id)
	}

	if len(c.claims) >= c.maxSize {
		c.evictOldest()
	}
	c.claims[id] = &claim{at: c.now(), element: c.order.PushBack(id)}
	return true
}

// Release drops a claim so the id can be claimed again.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.claims[id]; ok {
		c.order.Remove(cl.element)
		delete(c.claims, id)
	}
}

// Len returns the number of stored claims, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claims, id)
}

func (c *Cache) sweeper() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops claims past the TTL. Claims are ordered by time so it stops at
// the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.order.Front(); e != nil; {
		id, _ := e.Value.(string)
		cl := c.claims[id]
		if c.live(cl) {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.claims, id)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
