package failure

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
	"github.com/ibs-source/stream-queue-adapter/pkg/jsonfast"
)

// DeadLetter publishes a JSON record of every failure to a dedicated queue
type DeadLetter struct {
	publisher Publisher
	queue     string
	logger    *log.Logger
	now       func() time.Time
}

// NewDeadLetter creates a dead-letter handler publishing to queue
func NewDeadLetter(p Publisher, queue string, logger *log.Logger) (*DeadLetter, error) {
	if p == nil {
		return nil, &stream.ConfigurationError{Field: "dead letter publisher", Reason: "must not be nil"}
	}
	if queue == "" {
		return nil, &stream.ConfigurationError{Field: "dead letter queue", Reason: "must not be empty"}
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &DeadLetter{publisher: p, queue: queue, logger: logger, now: time.Now}, nil
}

// Queue returns the dead-letter queue name
func (h *DeadLetter) Queue() string {
	return h.queue
}

// OnDeliveryFailure implements Handler. A record that cannot be published escalates.
func (h *DeadLetter) OnDeliveryFailure(ctx context.Context, f stream.DeliveryFailure) Action {
	body := h.encode(f)
	if err := h.publisher.Publish(ctx, h.queue, body); err != nil {
		h.logger.ErrorWithFields(logrus.Fields{
			"stream": f.Stream.String(),
			"queue":  f.Queue.Name(),
			"dlq":    h.queue,
		}, "Dead letter publish failed: %v", err)
		return Escalate
	}
	h.logger.DebugWithFields(logrus.Fields{
		"stream": f.Stream.String(),
		"queue":  f.Queue.Name(),
		"token":  uint64(f.Token),
	}, "Failure recorded on %s", h.queue)
	return Drop
}

func (h *DeadLetter) encode(f stream.DeliveryFailure) []byte {
	b := jsonfast.New(256)
	b.BeginObject()
	b.AddStringField("stream", f.Stream.String())
	b.AddStringField("queue", f.Queue.Name())
	b.AddUintField("token", uint64(f.Token))
	cause := ""
	if f.Cause != nil {
		cause = f.Cause.Error()
	}
	b.AddStringField("cause", cause)
	b.AddStringField("at", h.now().UTC().Format(time.RFC3339Nano))
	b.EndObject()
	return b.Bytes()
}
