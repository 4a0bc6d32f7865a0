// Package mqtt implements the broker contract over MQTT. Each queue is the topic
// TopicPrefix/queue; deliveries are acknowledged manually with QoS 1 PUBACKs.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("mqtt broker closed")

const deliveryBuffer = 256

// session is the connection surface the broker needs; *Pool implements it
type session interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

var _ session = (*Pool)(nil)

// Broker publishes and consumes queue topics through a connection pool
type Broker struct {
	session session
	prefix  string
	log     *log.Logger

	mu      sync.Mutex
	closed  bool
	cancels map[int]context.CancelFunc
	nextSub int
	wg      sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// New connects the pool described by cfg
func New(cfg *config.MQTTConfig, logger *log.Logger) (*Broker, error) {
	pool, err := NewPool(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newBroker(pool, cfg.TopicPrefix, logger), nil
}

func newBroker(s session, prefix string, logger *log.Logger) *Broker {
	return &Broker{
		session: s,
		prefix:  strings.TrimSuffix(prefix, "/"),
		log:     logger.Named("mqtt"),
		cancels: make(map[int]context.CancelFunc),
	}
}

// Topic returns the MQTT topic of queue
func (b *Broker) Topic(queue string) string {
	if b.prefix == "" {
		return queue
	}
	return b.prefix + "/" + queue
}

func (b *Broker) queueOf(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return strings.TrimPrefix(topic, b.prefix+"/")
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends body to the queue topic and waits for the broker's PUBACK
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.isClosed() {
		return &stream.PublishError{Queue: queue, Err: ErrClosed}
	}
	if err := b.session.Publish(ctx, b.Topic(queue), body); err != nil {
		return &stream.PublishError{Queue: queue, Err: err}
	}
	return nil
}

// Consume subscribes to the queue topic. The channel closes when ctx is cancelled
// or the broker is closed.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	id := b.nextSub
	b.nextSub++
	b.cancels[id] = cancel
	b.mu.Unlock()

	sub := &subscription{
		ctx:   subCtx,
		queue: queue,
		out:   make(chan broker.Delivery, deliveryBuffer),
	}
	topic := b.Topic(queue)
	if err := b.session.Subscribe(topic, sub.handle); err != nil {
		b.release(id)
		return nil, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-subCtx.Done()
		if err := b.session.Unsubscribe(topic); err != nil {
			b.log.Debug("Unsubscribe from %s failed: %v", topic, err)
		}
		sub.close()
		b.release(id)
	}()
	return sub.out, nil
}

func (b *Broker) release(id int) {
	b.mu.Lock()
	cancel, ok := b.cancels[id]
	delete(b.cancels, id)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// Ack sends the PUBACK for a delivered message
func (b *Broker) Ack(_ context.Context, token broker.AckToken) error {
	msg, ok := token.(mqtt.Message)
	if !ok {
		return &stream.AckError{Err: fmt.Errorf("unexpected ack token %T", token)}
	}
	if b.isClosed() {
		return &stream.AckError{Queue: b.queueOf(msg.Topic()), Err: ErrClosed}
	}
	msg.Ack()
	return nil
}

// Close ends every subscription and disconnects the pool
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
	return b.session.Close()
}

// subscription forwards messages from the paho router into a delivery channel
type subscription struct {
	ctx    context.Context
	queue  string
	out    chan broker.Delivery
	mu     sync.Mutex
	closed bool
}

func (s *subscription) handle(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- broker.Delivery{Queue: s.queue, Body: msg.Payload(), Token: msg}:
	case <-s.ctx.Done():
		// Left unacknowledged; the broker redelivers it on the persistent session
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}
