// ABOUTME: Bounded, expiring set of recently seen keys
// ABOUTME: The relay uses it to drop command responses the broker redelivers

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/Davery92/sara-jarvis/internal/clock"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full,
// the least recently remembered key is dropped first.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock

	done   chan struct{}
	closed bool
}

// New creates a cache and starts a sweeper that drops expired keys every ttl.
// Close stops the sweeper.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was remembered less than ttl ago.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	return ok && c.fresh(el.Value.(*entry))
}

// Remember records key and reports whether it was already fresh in the
// cache. Check and insert happen under one lock.
func (c *Cache) Remember(key string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		duplicate = c.fresh(e)
		e.seenAt = now
		c.order.MoveToBack(el)
		return duplicate
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Forget drops key so the next Remember treats it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops every expired key and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.fresh(el.Value.(*entry)) {
			// Entries are ordered by seenAt, so the rest are fresh too.
			break
		}
		c.removeLocked(el)
		n++
		el = next
	}
	return n
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache) fresh(e *entry) bool {
	return c.clock.Now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
