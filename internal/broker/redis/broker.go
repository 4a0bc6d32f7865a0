// Package redis implements the broker contract on Redis Streams. Each queue is one stream
// consumed through a consumer group; acknowledged entries are deleted.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// payloadField is the stream entry field holding the encoded batch
const payloadField = "payload"

// ErrClosed is returned after Close
var ErrClosed = errors.New("redis broker closed")

// entryToken identifies one stream entry for Ack
type entryToken struct {
	stream string
	id     string
}

// Broker manages Redis stream operations for every queue
type Broker struct {
	rdb             *redis.Client
	group           string
	consumer        string
	batchSize       int64
	maxLen          int64
	blockTimeout    time.Duration
	claimIdle       time.Duration
	consumerIdle    time.Duration
	cleanupInterval time.Duration
	log             *log.Logger

	mu     sync.Mutex
	groups map[string]bool
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var (
	_ broker.Broker           = (*Broker)(nil)
	_ broker.PositionReporter = (*Broker)(nil)
)

// New connects to Redis and verifies the connection
func New(cfg *config.RedisConfig, logger *log.Logger) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newBroker(rdb, cfg, logger), nil
}

func newBroker(rdb *redis.Client, cfg *config.RedisConfig, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Discard()
	}
	claimIdle := positive(cfg.ClaimIdle, 30*time.Second)
	cleanup := positive(cfg.CleanupInterval, time.Minute)
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	return &Broker{
		rdb:             rdb,
		group:           cfg.Group,
		consumer:        cfg.Consumer,
		batchSize:       int64(batchSize),
		maxLen:          cfg.MaxLen,
		blockTimeout:    cfg.BlockTimeout,
		claimIdle:       claimIdle,
		consumerIdle:    cfg.ConsumerIdleTimeout,
		cleanupInterval: cleanup,
		log:             logger.Named("redis"),
		groups:          make(map[string]bool),
		done:            make(chan struct{}),
	}
}

func positive(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Publish appends body to the queue's stream
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.isClosed() {
		return &stream.PublishError{Queue: queue, Err: ErrClosed}
	}
	args := &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{payloadField: body},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return &stream.PublishError{Queue: queue, Err: fmt.Errorf("xadd failed: %w", err)}
	}
	return nil
}

// ensureGroup creates the consumer group once per stream
func (b *Broker) ensureGroup(ctx context.Context, queue string) error {
	b.mu.Lock()
	known := b.groups[queue]
	b.mu.Unlock()
	if known {
		return nil
	}

	err := b.rdb.XGroupCreateMkStream(ctx, queue, b.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group for stream %s: %w", queue, err)
	}
	if err != nil {
		b.log.Debug("Consumer group '%s' already exists for stream '%s', joining", b.group, queue)
	} else {
		b.log.Info("Created consumer group '%s' for stream '%s'", b.group, queue)
	}

	b.mu.Lock()
	b.groups[queue] = true
	b.mu.Unlock()
	return nil
}

func (b *Broker) forgetGroup(queue string) {
	b.mu.Lock()
	delete(b.groups, queue)
	b.mu.Unlock()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

// Consume delivers the consumer's own pending entries first, then new entries. Entries left
// unacknowledged longer than claimIdle, by any consumer of the group, are claimed periodically.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	out := make(chan broker.Delivery, b.batchSize)
	readCtx, cancel := context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		select {
		case <-b.done:
		case <-readCtx.Done():
		}
	}()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		defer close(out)
		b.deliver(readCtx, queue, out)
	}()
	return out, nil
}

func (b *Broker) deliver(ctx context.Context, queue string, out chan<- broker.Delivery) {
	claimTicker := time.NewTicker(b.claimIdle)
	defer claimTicker.Stop()
	cleanupTicker := time.NewTicker(b.cleanupInterval)
	defer cleanupTicker.Stop()

	if err := b.replayPending(ctx, queue, out); err != nil {
		b.logStop(ctx, queue, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-claimTicker.C:
			if err := b.claimIdleEntries(ctx, queue, out); err != nil {
				b.log.Warn("Failed to claim idle entries on %s: %v", queue, err)
			}
			continue
		case <-cleanupTicker.C:
			if err := b.cleanupDeadConsumers(ctx, queue); err != nil {
				b.log.Warn("Failed to cleanup dead consumers on %s: %v", queue, err)
			}
			continue
		default:
		}

		if _, err := b.readGroup(ctx, queue, ">", out); err != nil {
			b.logStop(ctx, queue, err)
			return
		}
	}
}

func (b *Broker) logStop(ctx context.Context, queue string, err error) {
	if ctx.Err() != nil {
		return
	}
	if isNoGroup(err) {
		b.forgetGroup(queue)
	}
	b.log.Error("Subscription to %s lost: %v", queue, err)
}

// replayPending walks this consumer's whole pending list, batchSize entries at a time
func (b *Broker) replayPending(ctx context.Context, queue string, out chan<- broker.Delivery) error {
	after := "0"
	for {
		last, err := b.readGroup(ctx, queue, after, out)
		if err != nil || last == "" {
			return err
		}
		after = last
	}
}

// readGroup runs one XREADGROUP, forwards the entries and returns the last entry ID.
// ">" blocks for new entries; any other id reads this consumer's pending entries after it.
func (b *Broker) readGroup(ctx context.Context, queue, id string, out chan<- broker.Delivery) (string, error) {
	block := b.blockTimeout
	if id != ">" {
		block = -1
	}
	result, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{queue, id},
		Count:    b.batchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("xreadgroup failed: %w", err)
	}

	last := ""
	for _, sr := range result {
		if err := b.forward(ctx, sr.Stream, sr.Messages, out); err != nil {
			return "", err
		}
		if n := len(sr.Messages); n > 0 {
			last = sr.Messages[n-1].ID
		}
	}
	return last, nil
}

func (b *Broker) forward(ctx context.Context, queue string, msgs []redis.XMessage, out chan<- broker.Delivery) error {
	for _, msg := range msgs {
		d := broker.Delivery{
			Queue: queue,
			Body:  extractPayload(msg.Values),
			Token: entryToken{stream: queue, id: msg.ID},
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// extractPayload returns the encoded batch of an entry; entries without one yield an empty body
func extractPayload(values map[string]interface{}) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

// claimIdleEntries takes over entries left pending longer than claimIdle. This consumer's own
// entries are included: an entry whose ack failed is redelivered this way.
func (b *Broker) claimIdleEntries(ctx context.Context, queue string, out chan<- broker.Delivery) error {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queue,
		Group:  b.group,
		Idle:   b.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  b.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xpending failed: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   queue,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim failed: %w", err)
	}
	if len(claimed) > 0 {
		b.log.Info("Claimed %d idle entries on %s", len(claimed), queue)
	}
	return b.forward(ctx, queue, claimed, out)
}

// Ack acknowledges and deletes the entry
func (b *Broker) Ack(ctx context.Context, token broker.AckToken) error {
	t, ok := token.(entryToken)
	if !ok {
		return &stream.AckError{Err: fmt.Errorf("foreign ack token %T", token)}
	}
	if err := b.rdb.XAck(ctx, t.stream, b.group, t.id).Err(); err != nil {
		return &stream.AckError{Queue: t.stream, Err: fmt.Errorf("xack failed for entry %s: %w", t.id, err)}
	}
	if err := b.rdb.XDel(ctx, t.stream, t.id).Err(); err != nil {
		return &stream.AckError{Queue: t.stream, Err: fmt.Errorf("xdel failed for entry %s: %w", t.id, err)}
	}
	return nil
}

// Position reports how many entries the group has read and acknowledged on queue
func (b *Broker) Position(ctx context.Context, queue string) (uint64, error) {
	groups, err := b.rdb.XInfoGroups(ctx, queue).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, fmt.Errorf("xinfo groups failed: %w", err)
	}
	for _, g := range groups {
		if g.Name == b.group {
			return acknowledged(g.EntriesRead, g.Pending), nil
		}
	}
	return 0, nil
}

func acknowledged(read, pending int64) uint64 {
	if read <= pending {
		return 0
	}
	return uint64(read - pending)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops every subscription and closes the Redis connection
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return b.rdb.Close()
}
