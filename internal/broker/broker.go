// Package broker defines the collaborator contract the adapter needs from a message broker.
package broker

import "context"

// AckToken identifies one consumed message to the broker that delivered it.
// Only the issuing broker can interpret it.
type AckToken any

// Delivery is one consumed message
type Delivery struct {
	Queue string
	Body  []byte
	Token AckToken
}

// Broker is the minimum surface the adapter requires. Implementations must be
// safe for concurrent Publish calls and one Consume per queue.
type Broker interface {
	// Publish blocks until the broker has accepted body on queue.
	// Failures are returned as *stream.PublishError.
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume starts delivering messages from queue. The channel is closed when ctx
	// is canceled, the broker is closed, or the subscription is lost.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Ack confirms a delivery. Failures are returned as *stream.AckError and imply
	// eventual redelivery.
	Ack(ctx context.Context, token AckToken) error
	// Close releases connections
	Close() error
}

// PositionReporter is implemented by brokers that can report how many messages a
// queue has accepted so far. The adapter seeds its per-queue token counter from it.
type PositionReporter interface {
	Position(ctx context.Context, queue string) (uint64, error)
}
