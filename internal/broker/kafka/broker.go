// Package kafka implements the broker contract on Kafka. Each queue is a topic consumed
// by its own consumer group; acknowledgment commits the record offset.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("kafka broker closed")

// ErrConsumerAborted is returned when acking a record whose consumer was torn down after
// an earlier commit failed. The record is redelivered after the group rejoins.
var ErrConsumerAborted = errors.New("kafka consumer aborted after commit failure")

const deliveryBuffer = 256

// committer commits consumed offsets; *kgo.Client implements it
type committer interface {
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// recordToken acknowledges a record through the consumer that polled it. A failed commit
// aborts that consumer so a later commit cannot move the group past the failed record.
type recordToken struct {
	client   committer
	record   *kgo.Record
	consumer context.Context
	abort    context.CancelFunc
}

// Broker shares one producer client; every Consume call joins its own consumer group client
type Broker struct {
	producer    *kgo.Client
	seeds       []string
	clientID    string
	groupPrefix string
	log         *log.Logger

	mu      sync.Mutex
	closed  bool
	cancels map[int]context.CancelFunc
	nextSub int
	wg      sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// New creates the producer and checks that a seed broker answers
func New(cfg *config.KafkaConfig, logger *log.Logger) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	b := &Broker{
		seeds:       cfg.Brokers,
		clientID:    cfg.ClientID,
		groupPrefix: cfg.GroupPrefix,
		log:         logger.Named("kafka"),
		cancels:     make(map[int]context.CancelFunc),
	}
	producer, err := kgo.NewClient(append(b.baseOptions(cfg.DialTimeout),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}
	b.producer = producer
	return b, nil
}

func (b *Broker) baseOptions(dialTimeout time.Duration) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(b.seeds...)}
	if b.clientID != "" {
		opts = append(opts, kgo.ClientID(b.clientID))
	}
	if dialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(dialTimeout))
	}
	return opts
}

// GroupFor returns the consumer group that consumes queue
func (b *Broker) GroupFor(queue string) string {
	return b.groupPrefix + queue
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish produces body to the queue topic and waits for all in-sync replicas
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.isClosed() {
		return &stream.PublishError{Queue: queue, Err: ErrClosed}
	}
	if err := b.producer.ProduceSync(ctx, &kgo.Record{Topic: queue, Value: body}).FirstErr(); err != nil {
		return &stream.PublishError{Queue: queue, Err: err}
	}
	return nil
}

// Consume joins the queue's consumer group. Consumption resumes after the last
// committed offset; the channel closes when ctx is cancelled, the broker is closed, or
// an ack fails to commit.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	client, err := kgo.NewClient(append(b.baseOptions(0),
		kgo.ConsumerGroup(b.GroupFor(queue)),
		kgo.ConsumeTopics(queue),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.AllowAutoTopicCreation(),
	)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer for %s: %w", queue, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		client.Close()
		return nil, ErrClosed
	}
	id := b.nextSub
	b.nextSub++
	b.cancels[id] = cancel
	b.mu.Unlock()

	out := make(chan broker.Delivery, deliveryBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		b.poll(consumeCtx, cancel, queue, client, out)

		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
		cancel()
		client.Close()
	}()
	return out, nil
}

func (b *Broker) poll(ctx context.Context, abort context.CancelFunc, queue string, client *kgo.Client, out chan<- broker.Delivery) {
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.log.Warn("Fetch error on %s[%d]: %v", topic, partition, err)
		})
		if !deliver(ctx, abort, queue, client, fetches, out) {
			return
		}
	}
}

// deliver forwards fetched records in partition order; false means ctx ended
func deliver(ctx context.Context, abort context.CancelFunc, queue string, c committer, fetches kgo.Fetches, out chan<- broker.Delivery) bool {
	iter := fetches.RecordIter()
	for !iter.Done() {
		rec := iter.Next()
		token := &recordToken{client: c, record: rec, consumer: ctx, abort: abort}
		select {
		case out <- broker.Delivery{Queue: queue, Body: rec.Value, Token: token}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Ack commits the record offset for its consumer group. When the commit fails the
// consumer is aborted and every later ack from it fails too, so the group resumes at the
// failed record once the queue is consumed again.
func (b *Broker) Ack(ctx context.Context, token broker.AckToken) error {
	t, ok := token.(*recordToken)
	if !ok {
		return &stream.AckError{Err: fmt.Errorf("unexpected ack token %T", token)}
	}
	if t.consumer != nil && t.consumer.Err() != nil {
		return &stream.AckError{Queue: t.record.Topic, Err: ErrConsumerAborted}
	}
	if err := t.client.CommitRecords(ctx, t.record); err != nil {
		if t.abort != nil {
			b.log.Warn("Commit of %s[%d]@%d failed, restarting consumer: %v",
				t.record.Topic, t.record.Partition, t.record.Offset, err)
			t.abort()
		}
		return &stream.AckError{Queue: t.record.Topic, Err: err}
	}
	return nil
}

// Close stops every consumer and flushes the producer
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.cancels))
	for _, cancel := range b.cancels {
		cancels = append(cancels, cancel)
	}
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
	if b.producer != nil {
		b.producer.Close()
	}
	return nil
}
