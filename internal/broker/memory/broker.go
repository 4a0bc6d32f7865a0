// Package memory provides an in-process broker with ordered queues, used for tests
// and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("memory broker closed")

type token struct {
	queue  string
	offset int
}

type queue struct {
	messages  [][]byte
	acked     map[int]bool
	redeliver []int         // offsets whose ack failed, offered again before new messages
	signal    chan struct{} // closed and replaced on every publish or requeue
}

func (q *queue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// nextRedelivery pops the first requeued offset that is still unacknowledged
func (q *queue) nextRedelivery() (int, bool) {
	for len(q.redeliver) > 0 {
		off := q.redeliver[0]
		q.redeliver = q.redeliver[1:]
		if !q.acked[off] {
			return off, true
		}
	}
	return 0, false
}

// Broker keeps every published message in memory. Messages stay in the log after
// acknowledgment so tests can inspect them. A message whose ack fails is redelivered
// to an open subscription of its queue.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	closed     bool
	done       chan struct{}
	ackHook    func(queue string, offset int) error
	publishErr error
	buffer     int
}

// Option configures a Broker
type Option func(*Broker)

// WithAckHook installs a function consulted on every Ack; a non-nil result fails the ack
func WithAckHook(fn func(queue string, offset int) error) Option {
	return func(b *Broker) {
		b.ackHook = fn
	}
}

// WithDeliveryBuffer sets the channel buffer of each Consume
func WithDeliveryBuffer(n int) Option {
	return func(b *Broker) {
		b.buffer = n
	}
}

// New creates an empty broker
func New(opts ...Option) *Broker {
	b := &Broker{
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
		buffer: 16,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var (
	_ broker.Broker           = (*Broker)(nil)
	_ broker.PositionReporter = (*Broker)(nil)
)

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{acked: make(map[int]bool), signal: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// FailPublishes makes every subsequent Publish fail with err; nil restores normal behavior
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Publish implements broker.Broker
func (b *Broker) Publish(ctx context.Context, queueName string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return &stream.PublishError{Queue: queueName, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &stream.PublishError{Queue: queueName, Err: ErrClosed}
	}
	if b.publishErr != nil {
		return &stream.PublishError{Queue: queueName, Err: b.publishErr}
	}

	q := b.queueLocked(queueName)
	msg := make([]byte, len(body))
	copy(msg, body)
	q.messages = append(q.messages, msg)
	q.notify()
	return nil
}

// Consume implements broker.Broker. Every call starts from the first unacknowledged message.
func (b *Broker) Consume(ctx context.Context, queueName string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.queueLocked(queueName)
	b.mu.Unlock()

	out := make(chan broker.Delivery, b.buffer)
	go b.deliver(ctx, queueName, out)
	return out, nil
}

func (b *Broker) deliver(ctx context.Context, queueName string, out chan<- broker.Delivery) {
	defer close(out)

	offset := 0
	for {
		b.mu.Lock()
		q := b.queues[queueName]
		next, redelivery := q.nextRedelivery()
		if !redelivery {
			for offset < len(q.messages) && q.acked[offset] {
				offset++
			}
			next = offset
		}
		if next < len(q.messages) {
			d := broker.Delivery{
				Queue: queueName,
				Body:  q.messages[next],
				Token: token{queue: queueName, offset: next},
			}
			b.mu.Unlock()

			select {
			case out <- d:
				if !redelivery {
					offset++
				}
			case <-ctx.Done():
				if redelivery {
					b.requeue(queueName, next)
				}
				return
			case <-b.done:
				return
			}
			continue
		}
		signal := q.signal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

// Ack implements broker.Broker
func (b *Broker) Ack(_ context.Context, t broker.AckToken) error {
	tok, ok := t.(token)
	if !ok {
		return &stream.AckError{Err: fmt.Errorf("foreign ack token %T", t)}
	}

	b.mu.Lock()
	hook := b.ackHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(tok.queue, tok.offset); err != nil {
			b.requeue(tok.queue, tok.offset)
			return &stream.AckError{Queue: tok.queue, Err: err}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[tok.queue]
	if !ok || tok.offset >= len(q.messages) {
		return &stream.AckError{Queue: tok.queue, Err: fmt.Errorf("unknown offset %d", tok.offset)}
	}
	q.acked[tok.offset] = true
	return nil
}

// requeue offers offset again on the queue's open subscriptions
func (b *Broker) requeue(queueName string, offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, exists := b.queues[queueName]
	if !exists || b.closed {
		return
	}
	q.redeliver = append(q.redeliver, offset)
	q.notify()
}

// Position implements broker.PositionReporter: the number of acknowledged messages
func (b *Broker) Position(_ context.Context, queueName string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0, nil
	}
	return uint64(len(q.acked)), nil
}

// Len returns the number of messages ever published to queue
func (b *Broker) Len(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.messages)
	}
	return 0
}

// Pending returns the number of unacknowledged messages on queue
func (b *Broker) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.messages) - len(q.acked)
	}
	return 0
}

// Messages returns a copy of every message published to queue
func (b *Broker) Messages(queueName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([][]byte, len(q.messages))
	copy(out, q.messages)
	return out
}

// Close stops all deliveries. It is safe to call more than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
