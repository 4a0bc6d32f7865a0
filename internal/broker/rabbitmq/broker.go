// Package rabbitmq implements the broker contract on AMQP 0.9.1. Each queue is a
// durable queue on the default exchange; publishes wait for publisher confirms and
// deliveries are acknowledged manually.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
	"github.com/ibs-source/stream-queue-adapter/internal/tlsconfig"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("rabbitmq broker closed")

// ErrNacked is returned when the server negatively confirms a publish
var ErrNacked = errors.New("publish not confirmed by server")

const contentType = "application/octet-stream"

// Broker owns one connection, a confirm-mode publishing channel and one channel per consumer
type Broker struct {
	conn     *amqp091.Connection
	prefetch int
	log      *log.Logger

	pubMu    sync.Mutex
	pubCh    *amqp091.Channel
	declared map[string]bool

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// New dials the server described by cfg
func New(cfg *config.RabbitMQConfig, logger *log.Logger) (*Broker, error) {
	dialCfg, err := dialConfig(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cfg.URL, dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	b := &Broker{
		conn:     conn,
		prefetch: cfg.Prefetch,
		log:      logger.Named("rabbitmq"),
		declared: make(map[string]bool),
		cancels:  make(map[string]context.CancelFunc),
	}
	if b.prefetch < 1 {
		b.prefetch = 1
	}

	b.pubMu.Lock()
	_, err = b.publishChannel()
	b.pubMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func dialConfig(cfg *config.RabbitMQConfig) (amqp091.Config, error) {
	dialCfg := amqp091.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
	}
	if cfg.DialTimeout > 0 {
		dialCfg.Dial = amqp091.DefaultDial(cfg.DialTimeout)
	}
	if cfg.TLSEnabled {
		tlsCfg, err := tlsconfig.Load(tlsconfig.Files{
			CACert:       cfg.CACert,
			ClientCert:   cfg.ClientCert,
			ClientKey:    cfg.ClientKey,
			InsecureSkip: cfg.InsecureSkip,
		})
		if err != nil {
			return amqp091.Config{}, fmt.Errorf("rabbitmq tls: %w", err)
		}
		dialCfg.TLSClientConfig = tlsCfg
	}
	if cfg.ExternalAuth {
		if !cfg.TLSEnabled || cfg.ClientCert == "" {
			return amqp091.Config{}, fmt.Errorf("rabbitmq external auth requires a TLS client certificate")
		}
		dialCfg.SASL = []amqp091.Authentication{&amqp091.ExternalAuth{}}
	}
	return dialCfg, nil
}

// publishChannel returns the confirm-mode channel, reopening it after a channel error.
// Callers hold pubMu.
func (b *Broker) publishChannel() (*amqp091.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	b.pubCh = ch
	// Declarations are per connection, but a new channel is the signal to re-check them
	b.declared = make(map[string]bool)
	return ch, nil
}

func declare(ch *amqp091.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends body to queue as a persistent message and waits for the server confirm
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.isClosed() {
		return &stream.PublishError{Queue: queue, Err: ErrClosed}
	}
	conf, err := b.publish(ctx, queue, body)
	if err != nil {
		return &stream.PublishError{Queue: queue, Err: err}
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return &stream.PublishError{Queue: queue, Err: err}
	}
	if !ok {
		return &stream.PublishError{Queue: queue, Err: ErrNacked}
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, queue string, body []byte) (*amqp091.DeferredConfirmation, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return nil, err
	}
	if !b.declared[queue] {
		if err := declare(ch, queue); err != nil {
			return nil, err
		}
		b.declared[queue] = true
	}
	return ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		ContentType:  contentType,
		Body:         body,
	})
}

// Consume opens a dedicated channel for queue. The returned channel closes when ctx is
// cancelled, the broker is closed or the server closes the AMQP channel.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	tag := "stream-adapter-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue %s: %w", queue, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = ch.Close()
		return nil, ErrClosed
	}
	b.cancels[tag] = cancel
	b.mu.Unlock()

	out := make(chan broker.Delivery, b.prefetch)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		forward(consumeCtx, queue, deliveries, out)

		b.mu.Lock()
		delete(b.cancels, tag)
		b.mu.Unlock()
		cancel()

		if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			b.log.Debug("Cancel consumer %s failed: %v", tag, err)
		}
		// Unacknowledged deliveries are requeued by the server once the channel closes
		if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			b.log.Debug("Close channel for %s failed: %v", queue, err)
		}
	}()
	return out, nil
}

// forward copies deliveries until the source closes or ctx is cancelled
func forward(ctx context.Context, queue string, in <-chan amqp091.Delivery, out chan<- broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- broker.Delivery{Queue: queue, Body: d.Body, Token: d}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Ack acknowledges one delivery on the channel it arrived on
func (b *Broker) Ack(_ context.Context, token broker.AckToken) error {
	d, ok := token.(amqp091.Delivery)
	if !ok {
		return &stream.AckError{Err: fmt.Errorf("unexpected ack token %T", token)}
	}
	if err := d.Ack(false); err != nil {
		return &stream.AckError{Queue: d.RoutingKey, Err: err}
	}
	return nil
}

// Close stops all consumers and closes the connection
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

	var errs []error
	b.pubMu.Lock()
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		if err := b.pubCh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.pubMu.Unlock()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
