package provider

import (
	"context"
	"errors"
	"time"

	"github.com/ibs-source/stream-queue-adapter/internal/cache"
	"github.com/ibs-source/stream-queue-adapter/internal/failure"
	"github.com/ibs-source/stream-queue-adapter/internal/metrics"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// defaultWaitInterval is used by Wait when the caller passes a non-positive interval
const defaultWaitInterval = 100 * time.Millisecond

// Reader consumes one queue through a cache cursor and routes gaps caused by eviction to
// the failure handler
type Reader struct {
	cursor  *cache.Cursor
	handler failure.Handler
	metrics *metrics.Metrics
	filter  *stream.StreamID
}

// NewReader returns a reader on q starting at from
func (p *Provider) NewReader(q stream.QueueID, from stream.SequenceToken) *Reader {
	return &Reader{
		cursor:  p.cache.Cursor(q, from),
		handler: p.DeliveryFailureHandler(q),
		metrics: p.metrics,
	}
}

// NewStreamReader returns a reader that yields only the batches of id from its queue
func (p *Provider) NewStreamReader(id stream.StreamID, from stream.SequenceToken) *Reader {
	r := p.NewReader(p.mapper.QueueFor(id), from)
	r.filter = &id
	return r
}

// Position returns the token the next read starts at
func (r *Reader) Position() stream.SequenceToken { return r.cursor.Position() }

// Queue returns the queue being read
func (r *Reader) Queue() stream.QueueID { return r.cursor.Queue() }

// Next returns the next available batch without blocking. It returns cache.ErrNotYetAvailable
// when caught up. When the cursor has fallen behind the cache, the failure handler decides:
// Drop skips to the oldest retained batch, Escalate returns a *stream.DeliveryError.
func (r *Reader) Next(ctx context.Context) (*stream.BatchContainer, error) {
	for {
		b, err := r.cursor.Next()
		if err == nil {
			if r.filter != nil && b.Stream != *r.filter {
				continue
			}
			return b, nil
		}

		var evicted *cache.EvictedError
		if !errors.As(err, &evicted) {
			return nil, err
		}

		f := stream.DeliveryFailure{
			Queue: evicted.Queue,
			Token: evicted.Requested,
			Cause: err,
		}
		if r.filter != nil {
			f.Stream = *r.filter
		}
		action := r.handler.OnDeliveryFailure(ctx, f)
		r.metrics.DeliveryFailed(evicted.Queue.Name(), action.String())

		if action == failure.Escalate {
			return nil, &stream.DeliveryError{Stream: f.Stream, Queue: f.Queue, Err: err}
		}
		r.cursor.Seek(evicted.Oldest)
	}
}

// Wait is Next that polls every interval until a batch arrives or ctx is done
func (r *Reader) Wait(ctx context.Context, interval time.Duration) (*stream.BatchContainer, error) {
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b, err := r.Next(ctx)
		if !errors.Is(err, cache.ErrNotYetAvailable) {
			return b, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
