// Package metrics exposes Prometheus instrumentation for the adapter, cache and readers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stream_adapter"

// Metrics holds the collectors shared by all queues of one provider
type Metrics struct {
	published        *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
	received         *prometheus.CounterVec
	malformed        *prometheus.CounterVec
	ackFailures      *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	cacheDepth       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "published_batches_total",
			Help:      "Batches confirmed by the broker on the send path",
		}, []string{"queue"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "publish_failures_total",
			Help:      "Send calls that failed to publish",
		}, []string{"queue"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "received_batches_total",
			Help:      "Batches decoded and cached by the receive loops",
		}, []string{"queue"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "malformed_payloads_total",
			Help:      "Payloads that failed to decode and were acknowledged and dropped",
		}, []string{"queue"}),
		ackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "ack_failures_total",
			Help:      "Broker acknowledgments that failed; the broker will redeliver",
		}, []string{"queue"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Batches evicted from the per-queue cache",
		}, []string{"queue"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "delivery_failures_total",
			Help:      "Delivery failures routed to the failure handler, by resulting action",
		}, []string{"queue", "action"}),
		cacheDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "depth",
			Help:      "Batches currently retained per queue",
		}, []string{"queue"}),
	}

	collectors := []prometheus.Collector{
		m.published, m.publishFailures, m.received, m.malformed,
		m.ackFailures, m.evictions, m.deliveryFailures, m.cacheDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Published counts a confirmed send
func (m *Metrics) Published(queue string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(queue).Inc()
}

// PublishFailed counts a failed send
func (m *Metrics) PublishFailed(queue string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(queue).Inc()
}

// Received counts a cached batch
func (m *Metrics) Received(queue string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(queue).Inc()
}

// Malformed counts a dropped payload
func (m *Metrics) Malformed(queue string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(queue).Inc()
}

// AckFailed counts a failed acknowledgment
func (m *Metrics) AckFailed(queue string) {
	if m == nil {
		return
	}
	m.ackFailures.WithLabelValues(queue).Inc()
}

// Evicted counts a cache eviction
func (m *Metrics) Evicted(queue string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(queue).Inc()
}

// DeliveryFailed counts a failure handler decision
func (m *Metrics) DeliveryFailed(queue, action string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(queue, action).Inc()
}

// CacheDepth records the number of retained batches
func (m *Metrics) CacheDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.cacheDepth.WithLabelValues(queue).Set(float64(depth))
}
