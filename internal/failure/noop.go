package failure

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// NoOp logs the failure and returns a fixed action
type NoOp struct {
	logger       *log.Logger
	faultOnError bool
}

// NewNoOp creates the default handler. With faultOnError the handler escalates
// every failure instead of dropping it.
func NewNoOp(logger *log.Logger, faultOnError bool) *NoOp {
	if logger == nil {
		logger = log.Discard()
	}
	return &NoOp{logger: logger, faultOnError: faultOnError}
}

// OnDeliveryFailure implements Handler
func (h *NoOp) OnDeliveryFailure(_ context.Context, f stream.DeliveryFailure) Action {
	action := Drop
	if h.faultOnError {
		action = Escalate
	}
	h.logger.WarnWithFields(logrus.Fields{
		"stream": f.Stream.String(),
		"queue":  f.Queue.Name(),
		"token":  uint64(f.Token),
		"action": action.String(),
	}, "Delivery failure: %v", f.Cause)
	return action
}
