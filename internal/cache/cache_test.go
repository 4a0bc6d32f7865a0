package cache

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibs-source/stream-queue-adapter/internal/metrics"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

var testStream = stream.NewStreamID("orders", uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"))

func queue(i int) stream.QueueID {
	return stream.NewQueueID("stream-"+string(rune('0'+i)), i, uint64(i))
}

func batchAt(token stream.SequenceToken) *stream.BatchContainer {
	return &stream.BatchContainer{
		Stream: testStream,
		Token:  token,
		Events: []stream.Event{{Payload: []byte(token.String())}},
	}
}

func fill(t *testing.T, c *Cache, q stream.QueueID, from, to stream.SequenceToken) {
	t.Helper()
	for tok := from; tok <= to; tok++ {
		require.NoError(t, c.Add(q, batchAt(tok)))
	}
}

func TestNew_InvalidCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		c, err := New(capacity)
		assert.Nil(t, c)
		var cfgErr *stream.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "cache size", cfgErr.Field)
	}
}

func TestCursorOnEmptyQueue(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	cur := c.Cursor(queue(0), 0)
	_, err = cur.Next()
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	assert.Equal(t, stream.SequenceToken(0), cur.Position())

	_, _, ok := c.Bounds(queue(0))
	assert.False(t, ok)
}

func TestCursorReadsInOrderThenWaits(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)
	q := queue(1)
	fill(t, c, q, 0, 4)

	cur := c.Cursor(q, 0)
	for want := stream.SequenceToken(0); want <= 4; want++ {
		b, err := cur.Next()
		require.NoError(t, err)
		assert.Equal(t, want, b.Token)
	}

	_, err = cur.Next()
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	assert.Equal(t, stream.SequenceToken(5), cur.Position())

	// new data becomes visible to the waiting cursor
	require.NoError(t, c.Add(q, batchAt(5)))
	b, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(5), b.Token)
}

func TestEvictionAfterCapacityPlusOne(t *testing.T) {
	const k = 5
	c, err := New(k)
	require.NoError(t, err)
	q := queue(0)
	fill(t, c, q, 0, k) // k+1 batches

	assert.Equal(t, k, c.Len(q))
	oldest, newest, ok := c.Bounds(q)
	require.True(t, ok)
	assert.Equal(t, stream.SequenceToken(1), oldest)
	assert.Equal(t, stream.SequenceToken(k), newest)

	_, err = c.Cursor(q, 0).Next()
	require.ErrorIs(t, err, ErrEvicted)
	var ev *EvictedError
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, stream.SequenceToken(0), ev.Requested)
	assert.Equal(t, stream.SequenceToken(1), ev.Oldest)

	for tok := stream.SequenceToken(1); tok <= k; tok++ {
		b, err := c.Cursor(q, tok).Next()
		require.NoError(t, err)
		assert.Equal(t, tok, b.Token)
	}
}

func TestEvictedCursorCanReseed(t *testing.T) {
	c, err := New(3)
	require.NoError(t, err)
	q := queue(0)
	fill(t, c, q, 0, 9)

	cur := c.Cursor(q, 2)
	_, err = cur.Next()
	var ev *EvictedError
	require.ErrorAs(t, err, &ev)
	assert.Equal(t, stream.SequenceToken(2), cur.Position(), "failed read must not move the cursor")

	cur.Seek(ev.Oldest)
	b, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(7), b.Token)
}

func TestCursorsAreIndependent(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)
	q := queue(2)
	fill(t, c, q, 0, 20)

	a := c.Cursor(q, 3)
	b := c.Cursor(q, 15)

	for i := 0; i < 5; i++ {
		_, err := a.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, stream.SequenceToken(8), a.Position())
	assert.Equal(t, stream.SequenceToken(15), b.Position())

	got, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(15), got.Token)
	assert.Equal(t, 21, c.Len(q), "reads never remove entries")
}

func TestQueuesAreIsolated(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	fill(t, c, queue(0), 0, 9)
	fill(t, c, queue(1), 0, 1)

	b, err := c.Cursor(queue(1), 0).Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(0), b.Token)
	assert.Equal(t, 2, c.Len(queue(0)))
	assert.Equal(t, 0, c.Len(queue(3)))
}

func TestAddRejectsNonIncreasingTokens(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)
	q := queue(0)
	require.NoError(t, c.Add(q, batchAt(10)))

	assert.ErrorIs(t, c.Add(q, batchAt(10)), ErrTokenOrder)
	assert.ErrorIs(t, c.Add(q, batchAt(3)), ErrTokenOrder)
	assert.Error(t, c.Add(q, nil))
	assert.Equal(t, 1, c.Len(q))
}

func TestCursorSkipsGaps(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)
	q := queue(0)
	for _, tok := range []stream.SequenceToken{100, 101, 105, 110} {
		require.NoError(t, c.Add(q, batchAt(tok)))
	}

	cur := c.Cursor(q, 102)
	b, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(105), b.Token)
	b, err = cur.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.SequenceToken(110), b.Token)

	_, err = c.Cursor(q, 50).Next()
	assert.ErrorIs(t, err, ErrEvicted)
}

func TestConcurrentWriterAndReaders(t *testing.T) {
	const (
		total   = 2000
		readers = 8
	)
	c, err := New(total)
	require.NoError(t, err)
	q := queue(0)

	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur := c.Cursor(q, 0)
			last := stream.SequenceToken(0)
			seen := 0
			for seen < total {
				b, err := cur.Next()
				if errors.Is(err, ErrNotYetAvailable) {
					runtime.Gosched()
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if seen > 0 && b.Token != last+1 {
					errs <- errors.New("tokens out of order")
					return
				}
				last = b.Token
				seen++
			}
		}()
	}

	for tok := stream.SequenceToken(0); tok < total; tok++ {
		require.NoError(t, c.Add(q, batchAt(tok)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestEvictionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	c, err := New(2, WithMetrics(m))
	require.NoError(t, err)
	fill(t, c, queue(0), 0, 4)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if metric.GetCounter() != nil {
				values[f.GetName()] += metric.GetCounter().GetValue()
			}
			if metric.GetGauge() != nil {
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["stream_adapter_cache_evictions_total"])
	assert.Equal(t, 2.0, values["stream_adapter_cache_depth"])
}
