package stream

import "fmt"

// ConfigurationError reports invalid construction parameters. It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// MalformedPayloadError reports bytes that cannot be decoded into a batch
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// PublishError is returned by broker collaborators when a publish is not confirmed
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// AckError is returned by broker collaborators when an acknowledgment fails.
// The broker will eventually redeliver the message.
type AckError struct {
	Queue string
	Err   error
}

func (e *AckError) Error() string {
	return fmt.Sprintf("ack on %s failed: %v", e.Queue, e.Err)
}

func (e *AckError) Unwrap() error { return e.Err }

// DeliveryError is surfaced to send callers and escalated consumers
type DeliveryError struct {
	Stream StreamID
	Queue  QueueID
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of stream %s via %s failed: %v", e.Stream, e.Queue.Name(), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
