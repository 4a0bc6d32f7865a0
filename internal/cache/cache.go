// Package cache buffers recently received batches per queue so that many
// cursors can read one queue at different positions without refetching.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ibs-source/stream-queue-adapter/internal/metrics"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

var (
	// ErrNotYetAvailable means the cursor is ahead of the newest cached batch
	ErrNotYetAvailable = errors.New("batch not yet available")
	// ErrEvicted means the cursor fell behind the oldest cached batch
	ErrEvicted = errors.New("batch evicted from cache")
	// ErrTokenOrder rejects an insert whose token does not follow the newest cached one
	ErrTokenOrder = errors.New("sequence token not strictly increasing")
)

// EvictedError carries the oldest token still retained so a consumer can re-seed
type EvictedError struct {
	Queue     stream.QueueID
	Requested stream.SequenceToken
	Oldest    stream.SequenceToken
}

func (e *EvictedError) Error() string {
	return fmt.Sprintf("token %s on %s evicted, oldest retained is %s", e.Requested, e.Queue.Name(), e.Oldest)
}

// Is makes errors.Is(err, ErrEvicted) match
func (e *EvictedError) Is(target error) bool {
	return target == ErrEvicted
}

// Option configures a Cache
type Option func(*Cache)

// WithMetrics records evictions and depth
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache holds one bounded FIFO ring per queue, each retaining the newest capacity batches
type Cache struct {
	capacity int
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	rings map[stream.QueueID]*ring
}

// New creates a cache retaining capacity batches per queue
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, &stream.ConfigurationError{Field: "cache size", Reason: "must be positive"}
	}
	c := &Cache{
		capacity: capacity,
		rings:    make(map[stream.QueueID]*ring),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Capacity returns the per-queue bound
func (c *Cache) Capacity() int { return c.capacity }

// Add appends a tokenized batch to the queue's ring, evicting the oldest entry when full.
// Each queue must have a single writer.
func (c *Cache) Add(q stream.QueueID, b *stream.BatchContainer) error {
	if b == nil {
		return fmt.Errorf("add to %s: nil batch", q.Name())
	}
	r := c.ring(q)
	evicted, size, err := r.add(b)
	if err != nil {
		return fmt.Errorf("add token %s to %s: %w", b.Token, q.Name(), err)
	}
	if evicted {
		c.metrics.Evicted(q.Name())
	}
	c.metrics.CacheDepth(q.Name(), size)
	return nil
}

// Cursor returns a new read position on q starting at token from
func (c *Cache) Cursor(q stream.QueueID, from stream.SequenceToken) *Cursor {
	return &Cursor{ring: c.ring(q), queue: q, next: from}
}

// Len returns the number of batches retained for q
func (c *Cache) Len(q stream.QueueID) int {
	r := c.ring(q)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Bounds returns the oldest and newest retained tokens for q; ok is false when empty
func (c *Cache) Bounds(q stream.QueueID) (oldest, newest stream.SequenceToken, ok bool) {
	r := c.ring(q)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return 0, 0, false
	}
	return r.at(0).Token, r.at(r.size - 1).Token, true
}

func (c *Cache) ring(q stream.QueueID) *ring {
	c.mu.RLock()
	r, ok := c.rings[q]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rings[q]; ok {
		return r
	}
	r = &ring{entries: make([]*stream.BatchContainer, c.capacity)}
	c.rings[q] = r
	return r
}
