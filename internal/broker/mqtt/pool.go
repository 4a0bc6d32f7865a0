package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
)

// Pool spreads publishes across several connections and keeps one dedicated
// subscriber connection for the receive loops
type Pool struct {
	publishers []*Client
	subscriber *Client
	next       atomic.Uint64
}

// NewPool connects cfg.PoolSize publishing clients plus the subscriber
func NewPool(cfg *config.MQTTConfig, logger *log.Logger) (*Pool, error) {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}

	// Distinct client IDs per process; the broker disconnects duplicates
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	base := fmt.Sprintf("%s-%s-%d", cfg.ClientID, hostname, os.Getpid())

	p := &Pool{publishers: make([]*Client, 0, size)}
	for i := 0; i < size; i++ {
		clientCfg := *cfg
		clientCfg.ClientID = fmt.Sprintf("%s-%d", base, i)
		c, err := NewClient(&clientCfg, false, logger)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		p.publishers = append(p.publishers, c)
	}

	// The subscriber ID must be stable across restarts to resume its session
	subCfg := *cfg
	subCfg.ClientID = cfg.ClientID + "-sub"
	sub, err := NewClient(&subCfg, true, logger)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}
	p.subscriber = sub
	return p, nil
}

// Publish publishes using round-robin across connections
func (p *Pool) Publish(ctx context.Context, topic string, payload []byte) error {
	idx := p.next.Add(1) % uint64(len(p.publishers)) // #nosec G115
	return p.publishers[idx].Publish(ctx, topic, payload)
}

// Subscribe registers handler on the subscriber connection
func (p *Pool) Subscribe(topic string, handler mqtt.MessageHandler) error {
	return p.subscriber.Subscribe(topic, handler)
}

// Unsubscribe removes a subscription from the subscriber connection
func (p *Pool) Unsubscribe(topic string) error {
	return p.subscriber.Unsubscribe(topic)
}

// Close closes all connections in the pool
func (p *Pool) Close() error {
	var errs []error
	for i, c := range p.publishers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close client %d: %w", i, err))
		}
	}
	if p.subscriber != nil {
		if err := p.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close subscriber: %w", err))
		}
	}
	return errors.Join(errs...)
}
