// Package adapter connects the stream model to a broker: Send encodes, routes and
// publishes a batch, and one receive loop per queue decodes deliveries, tokenizes
// them and feeds the cache.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/stream-queue-adapter/internal/batch"
	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/cache"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/metrics"
	"github.com/ibs-source/stream-queue-adapter/internal/queuemap"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

var (
	// ErrStopped is returned by Send and Start once the adapter has stopped
	ErrStopped = errors.New("adapter stopped")
	// ErrAlreadyRunning is returned by a second Start
	ErrAlreadyRunning = errors.New("adapter already running")
)

// State is the adapter lifecycle position
type State int

// Lifecycle states. Transitions only move forward.
const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// QueueError is a receive loop error reported on the Errors channel
type QueueError struct {
	Queue stream.QueueID
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Queue.Name(), e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

const (
	defaultErrorBackoff    = time.Second
	defaultAckTimeout      = 5 * time.Second
	defaultErrorBuffer     = 64
	defaultPositionTimeout = 5 * time.Second
)

// Option configures an Adapter
type Option func(*Adapter)

// WithErrorBackoff sets the pause before resubscribing a queue whose subscription failed or closed
func WithErrorBackoff(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.errorBackoff = d
		}
	}
}

// WithAckTimeout bounds each broker acknowledgment
func WithAckTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.ackTimeout = d
		}
	}
}

// WithErrorBuffer sets the capacity of the Errors channel; errors beyond it are logged and dropped
func WithErrorBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.errorBuffer = n
		}
	}
}

// WithMetrics enables instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// Adapter owns the receive loops for every queue of its mapper
type Adapter struct {
	name       string
	broker     broker.Broker
	serializer batch.Serializer
	mapper     *queuemap.Mapper
	cache      *cache.Cache
	log        *log.Logger
	metrics    *metrics.Metrics

	errorBackoff time.Duration
	ackTimeout   time.Duration
	errorBuffer  int
	errCh        chan error

	// mu guards state. Send holds it shared so Stop cannot close the broker under a publish.
	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
	starts map[stream.QueueID]stream.SequenceToken
}

// New creates an adapter in the Created state
func New(
	name string,
	b broker.Broker,
	s batch.Serializer,
	m *queuemap.Mapper,
	c *cache.Cache,
	logger *log.Logger,
	opts ...Option,
) (*Adapter, error) {
	switch {
	case name == "":
		return nil, &stream.ConfigurationError{Field: "adapter name", Reason: "must not be empty"}
	case b == nil:
		return nil, &stream.ConfigurationError{Field: "broker", Reason: "must not be nil"}
	case s == nil:
		return nil, &stream.ConfigurationError{Field: "serializer", Reason: "must not be nil"}
	case m == nil:
		return nil, &stream.ConfigurationError{Field: "queue mapper", Reason: "must not be nil"}
	case c == nil:
		return nil, &stream.ConfigurationError{Field: "cache", Reason: "must not be nil"}
	}
	if logger == nil {
		logger = log.Discard()
	}

	a := &Adapter{
		name:         name,
		broker:       b,
		serializer:   s,
		mapper:       m,
		cache:        c,
		log:          logger.Named("adapter").With(logrus.Fields{"provider": name}),
		errorBackoff: defaultErrorBackoff,
		ackTimeout:   defaultAckTimeout,
		errorBuffer:  defaultErrorBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.errCh = make(chan error, a.errorBuffer)
	return a, nil
}

// Name returns the provider name the adapter was built for
func (a *Adapter) Name() string { return a.name }

// Queues returns every queue the adapter serves, ordered by index
func (a *Adapter) Queues() []stream.QueueID { return a.mapper.AllQueues() }

// Cache returns the cache the receive loops write into
func (a *Adapter) Cache() *cache.Cache { return a.cache }

// State returns the current lifecycle state
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Errors returns the channel receive loops report to. It is closed by Stop.
func (a *Adapter) Errors() <-chan error { return a.errCh }

// Start spawns one receive loop per queue. The loops run until Stop or until ctx is canceled.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case Running:
		return ErrAlreadyRunning
	case Stopped:
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	queues := a.mapper.AllQueues()
	a.starts = make(map[stream.QueueID]stream.SequenceToken, len(queues))
	for _, q := range queues {
		a.starts[q] = a.initialToken(ctx, q)
	}
	for _, q := range queues {
		a.startLoop(runCtx, q, a.starts[q])
	}
	a.state = Running
	a.log.Info("Started %d receive loops", len(queues))
	return nil
}

// StartToken returns the token q's receive loop assigned to its first batch. Readers that
// want everything received since Start begin here. It is zero before Start.
func (a *Adapter) StartToken(q stream.QueueID) stream.SequenceToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.starts[q]
}

// initialToken asks the broker how far the queue has progressed, falling back to zero
func (a *Adapter) initialToken(ctx context.Context, q stream.QueueID) stream.SequenceToken {
	reporter, ok := a.broker.(broker.PositionReporter)
	if !ok {
		return 0
	}
	pctx, cancel := context.WithTimeout(ctx, defaultPositionTimeout)
	defer cancel()

	pos, err := reporter.Position(pctx, q.Name())
	if err != nil {
		a.log.WarnWithFields(logrus.Fields{"queue": q.Name()}, "Position unavailable, starting at 0: %v", err)
		return 0
	}
	return stream.SequenceToken(pos)
}

// startLoop runs one queue's receive loop and reports its terminal error unless canceled
func (a *Adapter) startLoop(ctx context.Context, q stream.QueueID, next stream.SequenceToken) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.receiveLoop(ctx, q, next); err != nil && !errors.Is(err, context.Canceled) {
			a.report(q, fmt.Errorf("receive loop: %w", err))
		}
	}()
}

func (a *Adapter) receiveLoop(ctx context.Context, q stream.QueueID, next stream.SequenceToken) error {
	logger := a.log.With(logrus.Fields{"queue": q.Name()})
	logger.Debug("Receive loop starting at token %s", next)

	for {
		deliveries, err := a.broker.Consume(ctx, q.Name())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.report(q, fmt.Errorf("consume: %w", err))
		} else {
			next = a.drain(ctx, q, deliveries, next)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Subscription closed, resubscribing in %s", a.errorBackoff)
		}

		timer := time.NewTimer(a.errorBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// drain handles deliveries until the channel closes or ctx is canceled and returns the next free token
func (a *Adapter) drain(ctx context.Context, q stream.QueueID, deliveries <-chan broker.Delivery, next stream.SequenceToken) stream.SequenceToken {
	for {
		select {
		case <-ctx.Done():
			return next
		case d, ok := <-deliveries:
			if !ok {
				return next
			}
			next = a.handle(ctx, q, d, next)
		}
	}
}

// handle decodes, caches and acknowledges one delivery. The token advances only when the
// batch reached the cache.
func (a *Adapter) handle(ctx context.Context, q stream.QueueID, d broker.Delivery, next stream.SequenceToken) stream.SequenceToken {
	b, err := a.serializer.Decode(d.Body)
	if err != nil {
		// a poison message can never decode, so it is acknowledged and dropped
		a.metrics.Malformed(q.Name())
		a.report(q, err)
		a.ack(q, d)
		return next
	}

	if ctx.Err() != nil {
		return next
	}
	if err := a.cache.Add(q, b.WithToken(next)); err != nil {
		a.report(q, err)
		return next
	}
	a.metrics.Received(q.Name())

	a.ack(q, d)
	return next.Next()
}

func (a *Adapter) ack(q stream.QueueID, d broker.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), a.ackTimeout)
	defer cancel()

	if err := a.broker.Ack(ctx, d.Token); err != nil {
		// the broker will redeliver; the duplicate gets a fresh token
		a.metrics.AckFailed(q.Name())
		a.report(q, err)
	}
}

// report logs err and offers it to the Errors channel without blocking
func (a *Adapter) report(q stream.QueueID, err error) {
	a.log.ErrorWithFields(logrus.Fields{"queue": q.Name()}, "%v", err)
	select {
	case a.errCh <- &QueueError{Queue: q, Err: err}:
	default:
		a.log.Debug("Error channel full, dropped error for %s", q.Name())
	}
}

// Send encodes events as one batch for id, routes it and publishes it, returning once the
// broker has accepted it. Failures are returned as *stream.DeliveryError.
func (a *Adapter) Send(ctx context.Context, id stream.StreamID, events []stream.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	q := a.mapper.QueueFor(id)
	if a.state == Stopped {
		return &stream.DeliveryError{Stream: id, Queue: q, Err: ErrStopped}
	}

	body, err := a.serializer.Encode(stream.NewBatch(id, events))
	if err != nil {
		return &stream.DeliveryError{Stream: id, Queue: q, Err: err}
	}
	if err := a.broker.Publish(ctx, q.Name(), body); err != nil {
		a.metrics.PublishFailed(q.Name())
		return &stream.DeliveryError{Stream: id, Queue: q, Err: err}
	}
	a.metrics.Published(q.Name())
	return nil
}

// Stop cancels every receive loop, waits for them and closes the broker. Once it returns no
// loop writes to the cache. Calling Stop again is a no-op.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Stopped {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.state = Stopped
	close(a.errCh)

	if err := a.broker.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	a.log.Info("Stopped")
	return nil
}
