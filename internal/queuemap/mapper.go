// Package queuemap maps stream identifiers onto a fixed set of broker queues
// using a consistent-hash ring.
package queuemap

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// Mapper assigns streams to queues. It holds no state beyond the ring and is safe for concurrent use.
type Mapper struct {
	prefix string
	queues []stream.QueueID
	byName map[string]stream.QueueID
}

// New builds a ring of count equally spaced points named prefix+index
func New(count int, prefix string) (*Mapper, error) {
	if count <= 0 {
		return nil, &stream.ConfigurationError{Field: "queue count", Reason: "must be positive"}
	}
	if prefix == "" {
		return nil, &stream.ConfigurationError{Field: "queue name prefix", Reason: "cannot be empty"}
	}

	step := ^uint64(0) / uint64(count)
	queues := make([]stream.QueueID, count)
	byName := make(map[string]stream.QueueID, count)
	for i := 0; i < count; i++ {
		q := stream.NewQueueID(prefix+strconv.Itoa(i), i, uint64(i)*step)
		queues[i] = q
		byName[q.Name()] = q
	}

	return &Mapper{prefix: prefix, queues: queues, byName: byName}, nil
}

// QueueFor returns the first queue at or after the stream's hash position, wrapping around
func (m *Mapper) QueueFor(id stream.StreamID) stream.QueueID {
	h := HashStream(id)
	i := sort.Search(len(m.queues), func(i int) bool {
		return m.queues[i].RingPosition() >= h
	})
	if i == len(m.queues) {
		i = 0
	}
	return m.queues[i]
}

// AllQueues returns the fixed queue set ordered by index
func (m *Mapper) AllQueues() []stream.QueueID {
	out := make([]stream.QueueID, len(m.queues))
	copy(out, m.queues)
	return out
}

// Lookup resolves a broker queue name back to its identifier
func (m *Mapper) Lookup(name string) (stream.QueueID, bool) {
	q, ok := m.byName[name]
	return q, ok
}

// Count returns the number of queues on the ring
func (m *Mapper) Count() int { return len(m.queues) }

// Prefix returns the queue name prefix
func (m *Mapper) Prefix() string { return m.prefix }

// HashStream places a stream identifier on the ring. The hash is unseeded,
// so positions are stable across processes and restarts.
func HashStream(id stream.StreamID) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(id.Namespace)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(id.Key[:])
	return d.Sum64()
}
