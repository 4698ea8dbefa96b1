package receiver

import (
	"sync"
	"time"
)

// DefaultProcessResultCacheSize bounds the process-result cache
const DefaultProcessResultCacheSize = 100

// ProcessResult is the cached outcome history for one message id. It serves
// as the duplicate and retry detector when the listener has no native
// delivery counter and no durable message log is configured.
type ProcessResult struct {
	ReceiveCount int       // attempts so far for this message id
	ReceiveDate  time.Time // first attempt
	Comments     string    // last error or result description
}

// ProcessResultCache is a bounded map from message id to last known delivery
// outcome. Eviction is strict insertion order: the oldest inserted entry
// goes first, independent of access or update order.
type ProcessResultCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*ProcessResult
	order   []string
}

// NewProcessResultCache creates a cache bounded to max entries.
// A non-positive max falls back to DefaultProcessResultCacheSize.
func NewProcessResultCache(max int) *ProcessResultCache {
	if max <= 0 {
		max = DefaultProcessResultCacheSize
	}
	return &ProcessResultCache{
		max:     max,
		entries: make(map[string]*ProcessResult, max),
	}
}

// Record counts one processing attempt for the message id and returns the
// updated entry. A first attempt inserts the entry, evicting the oldest one
// when the cache is full.
func (c *ProcessResultCache) Record(id, comment string) ProcessResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		entry = &ProcessResult{ReceiveDate: time.Now()}
		c.entries[id] = entry
		c.order = append(c.order, id)
	}

	entry.ReceiveCount++
	if comment != "" {
		entry.Comments = comment
	}
	return *entry
}

// Comment updates the comment on an existing entry without counting an
// attempt. Unknown ids are ignored.
func (c *ProcessResultCache) Comment(id, comment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		entry.Comments = comment
	}
}

// Get returns the cached entry for the message id
func (c *ProcessResultCache) Get(id string) (ProcessResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return ProcessResult{}, false
	}
	return *entry, true
}

// Reset zeroes the attempt count for the message id, keeping the entry.
// The receiver resets after a successful manual retry, when the message
// legitimately returns to circulation; applications that re-avail failed
// messages through their own channels should reset the same way.
func (c *ProcessResultCache) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		entry.ReceiveCount = 0
	}
}

// Len returns the number of cached entries
func (c *ProcessResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
