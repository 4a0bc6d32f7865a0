package cache

import (
	"sort"
	"sync"

	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// ring is a fixed-size FIFO ordered by token. Inserts take the write lock;
// lookups share the read lock and never modify state.
type ring struct {
	mu      sync.RWMutex
	entries []*stream.BatchContainer
	head    int // index of the oldest entry
	size    int
}

func (r *ring) at(i int) *stream.BatchContainer {
	return r.entries[(r.head+i)%len(r.entries)]
}

func (r *ring) add(b *stream.BatchContainer) (evicted bool, size int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size > 0 && b.Token <= r.at(r.size-1).Token {
		return false, r.size, ErrTokenOrder
	}

	if r.size == len(r.entries) {
		r.entries[r.head] = b
		r.head = (r.head + 1) % len(r.entries)
		return true, r.size, nil
	}
	r.entries[(r.head+r.size)%len(r.entries)] = b
	r.size++
	return false, r.size, nil
}

// lookup returns the retained batch with the smallest token >= token
func (r *ring) lookup(q stream.QueueID, token stream.SequenceToken) (*stream.BatchContainer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil, ErrNotYetAvailable
	}
	oldest := r.at(0).Token
	if token < oldest {
		return nil, &EvictedError{Queue: q, Requested: token, Oldest: oldest}
	}
	if token > r.at(r.size-1).Token {
		return nil, ErrNotYetAvailable
	}
	i := sort.Search(r.size, func(i int) bool {
		return r.at(i).Token >= token
	})
	return r.at(i), nil
}
