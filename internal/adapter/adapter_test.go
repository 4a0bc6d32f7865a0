package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/stream-queue-adapter/internal/batch"
	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/broker/memory"
	"github.com/ibs-source/stream-queue-adapter/internal/cache"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/queuemap"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

const waitFor = 5 * time.Second

type fixture struct {
	adapter *Adapter
	broker  *memory.Broker
	mapper  *queuemap.Mapper
	cache   *cache.Cache
}

func newFixture(t *testing.T, b broker.Broker, queues, cacheSize int, opts ...Option) *fixture {
	t.Helper()
	mapper, err := queuemap.New(queues, "stream-")
	require.NoError(t, err)
	c, err := cache.New(cacheSize)
	require.NoError(t, err)

	mem, _ := b.(*memory.Broker)
	opts = append([]Option{WithErrorBackoff(10 * time.Millisecond)}, opts...)
	a, err := New("test", b, batch.Binary{}, mapper, c, log.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return &fixture{adapter: a, broker: mem, mapper: mapper, cache: c}
}

func event(i int) []stream.Event {
	return []stream.Event{{Payload: []byte(fmt.Sprintf("event-%d", i))}}
}

func nextError(t *testing.T, a *Adapter) error {
	t.Helper()
	select {
	case err := <-a.Errors():
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a receive loop error")
		return nil
	}
}

func TestNewValidation(t *testing.T) {
	mapper, err := queuemap.New(2, "q-")
	require.NoError(t, err)
	c, err := cache.New(4)
	require.NoError(t, err)
	b := memory.New()

	tests := []struct {
		name  string
		build func() (*Adapter, error)
		field string
	}{
		{"empty name", func() (*Adapter, error) { return New("", b, batch.Binary{}, mapper, c, nil) }, "adapter name"},
		{"nil broker", func() (*Adapter, error) { return New("p", nil, batch.Binary{}, mapper, c, nil) }, "broker"},
		{"nil serializer", func() (*Adapter, error) { return New("p", b, nil, mapper, c, nil) }, "serializer"},
		{"nil mapper", func() (*Adapter, error) { return New("p", b, batch.Binary{}, nil, c, nil) }, "queue mapper"},
		{"nil cache", func() (*Adapter, error) { return New("p", b, batch.Binary{}, mapper, nil, nil) }, "cache"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			var cfgErr *stream.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSendReceiveEvictionScenario(t *testing.T) {
	f := newFixture(t, memory.New(), 4, 100)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	id := stream.NewStreamID("orders", uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	q := f.mapper.QueueFor(id)
	for i := 0; i < 150; i++ {
		require.NoError(t, f.adapter.Send(ctx, id, event(i)))
	}

	require.Eventually(t, func() bool {
		_, newest, ok := f.cache.Bounds(q)
		return ok && newest == 149
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 100, f.cache.Len(q))

	_, err := f.cache.Cursor(q, 0).Next()
	var evicted *cache.EvictedError
	require.ErrorAs(t, err, &evicted)
	assert.Equal(t, stream.SequenceToken(50), evicted.Oldest)

	cur := f.cache.Cursor(q, 60)
	for want := 60; want < 150; want++ {
		b, err := cur.Next()
		require.NoError(t, err)
		assert.Equal(t, stream.SequenceToken(want), b.Token)
		assert.Equal(t, id, b.Stream)
		require.Len(t, b.Events, 1)
		assert.Equal(t, fmt.Sprintf("event-%d", want), string(b.Events[0].Payload))
	}
	_, err = cur.Next()
	assert.ErrorIs(t, err, cache.ErrNotYetAvailable)

	for _, other := range f.mapper.AllQueues() {
		if other != q {
			assert.Equal(t, 0, f.cache.Len(other))
		}
	}
	require.Eventually(t, func() bool { return f.broker.Pending(q.Name()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestStreamsKeepPerStreamOrder(t *testing.T) {
	f := newFixture(t, memory.New(), 4, 1000)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	ids := make([]stream.StreamID, 8)
	for i := range ids {
		ids[i] = stream.NewStreamID("ns", uuid.New())
	}
	for round := 0; round < 20; round++ {
		for _, id := range ids {
			require.NoError(t, f.adapter.Send(ctx, id, event(round)))
		}
	}

	total := 0
	require.Eventually(t, func() bool {
		total = 0
		for _, q := range f.mapper.AllQueues() {
			total += f.cache.Len(q)
		}
		return total == 160
	}, waitFor, 5*time.Millisecond)

	for _, id := range ids {
		cur := f.cache.Cursor(f.mapper.QueueFor(id), 0)
		want := 0
		for {
			b, err := cur.Next()
			if errors.Is(err, cache.ErrNotYetAvailable) {
				break
			}
			require.NoError(t, err)
			if b.Stream != id {
				continue
			}
			assert.Equal(t, fmt.Sprintf("event-%d", want), string(b.Events[0].Payload))
			want++
		}
		assert.Equal(t, 20, want, "stream %s", id)
	}
}

func TestMalformedPayloadIsAckedAndDropped(t *testing.T) {
	f := newFixture(t, memory.New(), 2, 10)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	q := f.mapper.AllQueues()[1]
	require.NoError(t, f.broker.Publish(ctx, q.Name(), []byte{0x7f, 0x00}))

	err := nextError(t, f.adapter)
	var qErr *QueueError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, q, qErr.Queue)
	var malformed *stream.MalformedPayloadError
	assert.ErrorAs(t, err, &malformed)

	require.Eventually(t, func() bool { return f.broker.Pending(q.Name()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.cache.Len(q))

	body, err := batch.Binary{}.Encode(stream.NewBatch(stream.NewStreamID("x", uuid.New()), event(1)))
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, q.Name(), body))
	require.Eventually(t, func() bool { return f.cache.Len(q) == 1 }, waitFor, 5*time.Millisecond)

	oldest, _, _ := f.cache.Bounds(q)
	assert.Equal(t, stream.SequenceToken(0), oldest, "a dropped message must not consume a token")
}

func TestAckFailureRedeliversWithFreshToken(t *testing.T) {
	var failed atomic.Bool
	b := memory.New(memory.WithAckHook(func(string, int) error {
		if failed.CompareAndSwap(false, true) {
			return errors.New("channel closed")
		}
		return nil
	}))
	f := newFixture(t, b, 1, 10)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	id := stream.NewStreamID("ns", uuid.New())
	require.NoError(t, f.adapter.Send(ctx, id, event(0)))

	err := nextError(t, f.adapter)
	var ackErr *stream.AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, "stream-0", ackErr.Queue)

	// The broker redelivers; the duplicate is cached again under the next token
	q := f.mapper.QueueFor(id)
	require.Eventually(t, func() bool { return f.broker.Pending(q.Name()) == 0 }, waitFor, 5*time.Millisecond)
	require.Equal(t, 2, f.cache.Len(q))

	cur := f.cache.Cursor(q, 0)
	first, err := cur.Next()
	require.NoError(t, err)
	dup, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(0), first.Token)
	assert.Equal(t, stream.SequenceToken(1), dup.Token)
	assert.Equal(t, first.Stream, dup.Stream)
	assert.Equal(t, first.Events, dup.Events)
}

func TestSendPublishFailure(t *testing.T) {
	f := newFixture(t, memory.New(), 2, 10)
	f.broker.FailPublishes(errors.New("no route"))

	id := stream.NewStreamID("ns", uuid.New())
	err := f.adapter.Send(context.Background(), id, event(0))

	var delivery *stream.DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, id, delivery.Stream)
	assert.Equal(t, f.mapper.QueueFor(id), delivery.Queue)
	var publish *stream.PublishError
	assert.ErrorAs(t, err, &publish)
}

// flakyBroker closes the first subscription of every queue immediately
type flakyBroker struct {
	*memory.Broker
	mu       sync.Mutex
	consumes map[string]int
	failWith error
}

func (b *flakyBroker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	b.consumes[queue]++
	n := b.consumes[queue]
	b.mu.Unlock()

	if n == 1 {
		if b.failWith != nil {
			return nil, b.failWith
		}
		ch := make(chan broker.Delivery)
		close(ch)
		return ch, nil
	}
	return b.Broker.Consume(ctx, queue)
}

func (b *flakyBroker) calls(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes[queue]
}

func TestResubscribeAfterClosedSubscription(t *testing.T) {
	fb := &flakyBroker{Broker: memory.New(), consumes: make(map[string]int)}
	f := newFixture(t, fb, 1, 10)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	id := stream.NewStreamID("ns", uuid.New())
	require.NoError(t, f.adapter.Send(ctx, id, event(0)))

	q := f.mapper.QueueFor(id)
	require.Eventually(t, func() bool { return f.cache.Len(q) == 1 }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, fb.calls(q.Name()), 2)
}

func TestConsumeErrorIsReportedAndRetried(t *testing.T) {
	fb := &flakyBroker{Broker: memory.New(), consumes: make(map[string]int), failWith: errors.New("refused")}
	f := newFixture(t, fb, 1, 10)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	err := nextError(t, f.adapter)
	assert.ErrorContains(t, err, "refused")

	id := stream.NewStreamID("ns", uuid.New())
	require.NoError(t, f.adapter.Send(ctx, id, event(0)))
	require.Eventually(t, func() bool { return f.cache.Len(f.mapper.QueueFor(id)) == 1 }, waitFor, 5*time.Millisecond)
}

// stuckBroker never delivers on one queue
type stuckBroker struct {
	*memory.Broker
	dead string
}

func (b *stuckBroker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if queue == b.dead {
		return nil, errors.New("queue deleted")
	}
	return b.Broker.Consume(ctx, queue)
}

func TestQueueFailuresAreIsolated(t *testing.T) {
	sb := &stuckBroker{Broker: memory.New(), dead: "stream-0"}
	f := newFixture(t, sb, 2, 10)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	healthy := f.mapper.AllQueues()[1]
	body, err := batch.Binary{}.Encode(stream.NewBatch(stream.NewStreamID("x", uuid.New()), event(0)))
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, healthy.Name(), body))

	require.Eventually(t, func() bool { return f.cache.Len(healthy) == 1 }, waitFor, 5*time.Millisecond)
}

// positionBroker reports a fixed starting position
type positionBroker struct {
	*memory.Broker
	pos uint64
	err error
}

func (b *positionBroker) Position(context.Context, string) (uint64, error) {
	return b.pos, b.err
}

func TestInitialTokenFromBrokerPosition(t *testing.T) {
	tests := []struct {
		name string
		pb   *positionBroker
		want stream.SequenceToken
	}{
		{"reported", &positionBroker{Broker: memory.New(), pos: 1000}, 1000},
		{"unavailable", &positionBroker{Broker: memory.New(), pos: 7, err: errors.New("timeout")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.pb, 1, 10)
			ctx := context.Background()
			require.NoError(t, f.adapter.Start(ctx))

			id := stream.NewStreamID("ns", uuid.New())
			require.NoError(t, f.adapter.Send(ctx, id, event(0)))
			q := f.mapper.QueueFor(id)
			require.Eventually(t, func() bool { return f.cache.Len(q) == 1 }, waitFor, 5*time.Millisecond)

			oldest, _, _ := f.cache.Bounds(q)
			assert.Equal(t, tt.want, oldest)
			assert.Equal(t, tt.want, f.adapter.StartToken(q))

			b, err := f.cache.Cursor(q, f.adapter.StartToken(q)).Next()
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Token)
		})
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, memory.New(), 2, 10)
	ctx := context.Background()

	assert.Equal(t, Created, f.adapter.State())
	assert.Equal(t, "test", f.adapter.Name())
	assert.Len(t, f.adapter.Queues(), 2)

	require.NoError(t, f.adapter.Start(ctx))
	assert.Equal(t, Running, f.adapter.State())
	assert.ErrorIs(t, f.adapter.Start(ctx), ErrAlreadyRunning)

	require.NoError(t, f.adapter.Stop())
	assert.Equal(t, Stopped, f.adapter.State())
	require.NoError(t, f.adapter.Stop())

	_, open := <-f.adapter.Errors()
	assert.False(t, open, "errors channel must be closed after Stop")

	err := f.adapter.Send(ctx, stream.NewStreamID("ns", uuid.New()), event(0))
	assert.ErrorIs(t, err, ErrStopped)
	var delivery *stream.DeliveryError
	assert.ErrorAs(t, err, &delivery)

	assert.ErrorIs(t, f.adapter.Start(ctx), ErrStopped)
}

func TestStopBeforeStart(t *testing.T) {
	f := newFixture(t, memory.New(), 1, 10)
	require.NoError(t, f.adapter.Stop())
	assert.Equal(t, Stopped, f.adapter.State())

	err := f.broker.Publish(context.Background(), "stream-0", []byte("x"))
	assert.ErrorIs(t, err, memory.ErrClosed, "Stop must release the broker")
}

func TestNoCacheWritesAfterStop(t *testing.T) {
	f := newFixture(t, memory.New(), 1, 1000)
	ctx := context.Background()
	require.NoError(t, f.adapter.Start(ctx))

	id := stream.NewStreamID("ns", uuid.New())
	for i := 0; i < 50; i++ {
		require.NoError(t, f.adapter.Send(ctx, id, event(i)))
	}
	require.NoError(t, f.adapter.Stop())

	q := f.mapper.QueueFor(id)
	n := f.cache.Len(q)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, f.cache.Len(q))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
