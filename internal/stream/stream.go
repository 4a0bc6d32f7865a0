// Package stream holds the data model shared by the mapper, serializers, cache and adapter.
package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// StreamID identifies one logical ordered stream
type StreamID struct {
	Namespace string
	Key       uuid.UUID
}

// NewStreamID builds a stream identifier from a namespace and a key
func NewStreamID(namespace string, key uuid.UUID) StreamID {
	return StreamID{Namespace: namespace, Key: key}
}

// String renders the identifier as namespace/key
func (s StreamID) String() string {
	return s.Namespace + "/" + s.Key.String()
}

// ParseStreamID parses the namespace/key form produced by String.
// The namespace may itself contain slashes; the key is everything after the last one.
func ParseStreamID(raw string) (StreamID, error) {
	idx := strings.LastIndexByte(raw, '/')
	if idx < 0 {
		return StreamID{}, fmt.Errorf("stream id %q: missing namespace separator", raw)
	}
	key, err := uuid.Parse(raw[idx+1:])
	if err != nil {
		return StreamID{}, fmt.Errorf("stream id %q: %w", raw, err)
	}
	return StreamID{Namespace: raw[:idx], Key: key}, nil
}

// QueueID is an opaque handle for one of the fixed physical queues.
// Values are comparable and safe to use as map keys.
type QueueID struct {
	name  string
	index int
	ring  uint64
}

// NewQueueID is used by the queue mapper; other packages receive QueueIDs from it
func NewQueueID(name string, index int, ringPosition uint64) QueueID {
	return QueueID{name: name, index: index, ring: ringPosition}
}

// Name is the broker-side queue name
func (q QueueID) Name() string { return q.name }

// Index is the queue's position in the fixed queue set
func (q QueueID) Index() int { return q.index }

// RingPosition is the queue's point on the consistent-hash ring
func (q QueueID) RingPosition() uint64 { return q.ring }

// IsZero reports whether q is the zero value
func (q QueueID) IsZero() bool { return q.name == "" }

func (q QueueID) String() string {
	return q.name + "@0x" + strconv.FormatUint(q.ring, 16)
}

// SequenceToken is a per-queue position marker assigned at receipt time
type SequenceToken uint64

// Next returns the token that immediately follows t
func (t SequenceToken) Next() SequenceToken { return t + 1 }

func (t SequenceToken) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Event is one application event. Payload and metadata values are opaque to the adapter.
type Event struct {
	Payload  []byte
	Metadata map[string][]byte
}

// BatchContainer is an ordered batch of events belonging to one stream.
// Once a token is assigned the container is never mutated; layers pass pointers
// and treat the contents as read-only.
type BatchContainer struct {
	Stream StreamID
	Token  SequenceToken
	Events []Event
}

// NewBatch builds an untokenized batch for the send path
func NewBatch(id StreamID, events []Event) *BatchContainer {
	return &BatchContainer{Stream: id, Events: events}
}

// WithToken returns a copy of b tagged with token t. Event storage is shared.
func (b *BatchContainer) WithToken(t SequenceToken) *BatchContainer {
	cp := *b
	cp.Token = t
	return &cp
}

// Len returns the number of events in the batch
func (b *BatchContainer) Len() int {
	return len(b.Events)
}

// DeliveryFailure describes a batch or gap a consumer could not be advanced past
type DeliveryFailure struct {
	Stream StreamID
	Queue  QueueID
	Token  SequenceToken
	Cause  error
}

func (f DeliveryFailure) String() string {
	return fmt.Sprintf("delivery failure on %s at token %s (stream %s): %v", f.Queue.Name(), f.Token, f.Stream, f.Cause)
}
