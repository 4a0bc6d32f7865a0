// Package provider assembles the stream adapter from configuration and exposes it to a host
// runtime through a small capability interface.
package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/stream-queue-adapter/internal/adapter"
	"github.com/ibs-source/stream-queue-adapter/internal/batch"
	"github.com/ibs-source/stream-queue-adapter/internal/broker"
	"github.com/ibs-source/stream-queue-adapter/internal/cache"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/failure"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/metrics"
	"github.com/ibs-source/stream-queue-adapter/internal/queuemap"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// QueueAdapter is the send and lifecycle surface of an adapter
type QueueAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Send(ctx context.Context, id stream.StreamID, events []stream.Event) error
	Stop() error
	Errors() <-chan error
	Queues() []stream.QueueID
}

// QueueCache is the read surface of the adapter cache
type QueueCache interface {
	Cursor(q stream.QueueID, from stream.SequenceToken) *cache.Cursor
	Len(q stream.QueueID) int
	Bounds(q stream.QueueID) (oldest, newest stream.SequenceToken, ok bool)
	Capacity() int
}

// QueueMapper routes streams to queues
type QueueMapper interface {
	QueueFor(id stream.StreamID) stream.QueueID
	AllQueues() []stream.QueueID
}

// Factory is what a host runtime calls to obtain the subsystem's parts
type Factory interface {
	CreateAdapter() (QueueAdapter, error)
	QueueAdapterCache() QueueCache
	StreamQueueMapper() QueueMapper
	DeliveryFailureHandler(q stream.QueueID) failure.Handler
}

var (
	_ Factory      = (*Provider)(nil)
	_ QueueAdapter = (*adapter.Adapter)(nil)
	_ QueueCache   = (*cache.Cache)(nil)
	_ QueueMapper  = (*queuemap.Mapper)(nil)
)

// Option configures a Provider
type Option func(*Provider)

// WithMetrics instruments the cache and adapter
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m
	}
}

// WithPipeline applies receive loop settings to the adapter
func WithPipeline(cfg config.PipelineConfig) Option {
	return func(p *Provider) {
		p.adapterOpts = append(p.adapterOpts,
			adapter.WithErrorBackoff(cfg.ErrorBackoff),
			adapter.WithAckTimeout(cfg.AckTimeout),
			adapter.WithErrorBuffer(cfg.ErrorBuffer),
		)
	}
}

// WithFailureHandler replaces the handler selected by configuration
func WithFailureHandler(h failure.Handler) Option {
	return func(p *Provider) {
		p.handler = h
	}
}

// Provider owns one cache, one mapper, one failure handler and, lazily, one adapter
type Provider struct {
	name       string
	cfg        config.ProviderConfig
	broker     broker.Broker
	log        *log.Logger
	metrics    *metrics.Metrics
	serializer batch.Serializer
	mapper     *queuemap.Mapper
	cache      *cache.Cache
	handler    failure.Handler

	adapterOpts []adapter.Option
	once        sync.Once
	adapter     *adapter.Adapter
	adapterErr  error
}

// New validates cfg and builds the provider's shared parts. Invalid settings are returned
// as *stream.ConfigurationError.
func New(cfg config.ProviderConfig, b broker.Broker, logger *log.Logger, opts ...Option) (*Provider, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, &stream.ConfigurationError{Field: "provider name", Reason: "must not be empty"}
	}
	if b == nil {
		return nil, &stream.ConfigurationError{Field: "broker", Reason: "must not be nil"}
	}
	if logger == nil {
		logger = log.Discard()
	}

	p := &Provider{
		name:   name,
		cfg:    cfg,
		broker: b,
		log:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	if p.cache, err = cache.New(cfg.CacheSize, cache.WithMetrics(p.metrics)); err != nil {
		return nil, err
	}
	if p.mapper, err = queuemap.New(cfg.QueueCount, cfg.QueuePrefix); err != nil {
		return nil, err
	}
	if p.serializer, err = batch.ForName(cfg.Serializer); err != nil {
		return nil, err
	}
	if p.handler == nil {
		p.handler, err = failure.ForName(cfg.FailureHandler, failure.Options{
			FaultOnError:    cfg.FaultOnError,
			Publisher:       b,
			DeadLetterQueue: cfg.DeadLetterQueue,
			Logger:          logger.Named("failure"),
		})
		if err != nil {
			return nil, err
		}
	}

	p.log.InfoWithFields(logrus.Fields{
		"provider":   name,
		"queues":     cfg.QueueCount,
		"prefix":     cfg.QueuePrefix,
		"cache":      cfg.CacheSize,
		"serializer": p.serializer.Format().String(),
	}, "Stream provider initialized")
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return p.name }

// CreateAdapter returns the provider's adapter, building it on first use. Every call returns
// the same instance.
func (p *Provider) CreateAdapter() (QueueAdapter, error) {
	a, err := p.Adapter()
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Adapter is CreateAdapter with the concrete type
func (p *Provider) Adapter() (*adapter.Adapter, error) {
	p.once.Do(func() {
		opts := append([]adapter.Option{adapter.WithMetrics(p.metrics)}, p.adapterOpts...)
		p.adapter, p.adapterErr = adapter.New(p.name, p.broker, p.serializer, p.mapper, p.cache, p.log, opts...)
	})
	return p.adapter, p.adapterErr
}

// QueueAdapterCache returns the shared cache
func (p *Provider) QueueAdapterCache() QueueCache { return p.cache }

// StreamQueueMapper returns the shared mapper
func (p *Provider) StreamQueueMapper() QueueMapper { return p.mapper }

// DeliveryFailureHandler returns the handler for q. All queues share one handler.
func (p *Provider) DeliveryFailureHandler(stream.QueueID) failure.Handler { return p.handler }
