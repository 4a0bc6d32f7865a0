// Package failure decides what happens when a consumer cannot obtain a batch.
package failure

import (
	"context"
	"strings"

	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// Action is the handler's verdict for a failed delivery
type Action int

const (
	// Drop skips the batch and lets the consumer continue
	Drop Action = iota
	// Escalate surfaces the failure to the consumer as an error
	Escalate
)

// String returns the action name
func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Escalate:
		return "escalate"
	}
	return "unknown"
}

// Handler is consulted once per delivery failure. Handlers never retry.
type Handler interface {
	OnDeliveryFailure(ctx context.Context, f stream.DeliveryFailure) Action
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, f stream.DeliveryFailure) Action

// OnDeliveryFailure calls fn
func (fn HandlerFunc) OnDeliveryFailure(ctx context.Context, f stream.DeliveryFailure) Action {
	return fn(ctx, f)
}

// Publisher is the part of a broker the dead-letter handler needs
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Names accepted by ForName
const (
	NameNoOp       = "noop"
	NameDeadLetter = "deadletter"
)

// Options carries what ForName may need to build a handler
type Options struct {
	FaultOnError    bool
	Publisher       Publisher
	DeadLetterQueue string
	Logger          *log.Logger
}

// ForName builds a handler by configured name. An empty name selects NoOp.
func ForName(name string, opts Options) (Handler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameNoOp:
		return NewNoOp(opts.Logger, opts.FaultOnError), nil
	case NameDeadLetter:
		return NewDeadLetter(opts.Publisher, opts.DeadLetterQueue, opts.Logger)
	}
	return nil, &stream.ConfigurationError{Field: "failure handler", Reason: "unknown handler " + name}
}
