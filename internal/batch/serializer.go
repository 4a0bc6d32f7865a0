// Package batch encodes batch containers to and from versioned broker payloads.
package batch

import (
	"fmt"

	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// Format is the leading tag byte of every payload
type Format byte

const (
	// FormatBinary is protobuf wire encoding
	FormatBinary Format = 0x01
	// FormatJSON is a JSON document with base64 payloads
	FormatJSON Format = 0x02
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(f))
	}
}

// Serializer converts batch containers to payloads and back.
// Decode must reject any input it did not produce rather than panic.
type Serializer interface {
	Encode(b *stream.BatchContainer) ([]byte, error)
	Decode(data []byte) (*stream.BatchContainer, error)
	Format() Format
}

var (
	_ Serializer = Binary{}
	_ Serializer = JSON{}
)

// ForName selects a serializer strategy by its configured name
func ForName(name string) (Serializer, error) {
	switch name {
	case "", "binary":
		return Binary{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, &stream.ConfigurationError{Field: "serializer", Reason: fmt.Sprintf("%q is not one of binary, json", name)}
	}
}

// Detect decodes data with whichever built-in format its tag names
func Detect(data []byte) (*stream.BatchContainer, error) {
	if len(data) == 0 {
		return nil, malformed("empty payload", nil)
	}
	switch Format(data[0]) {
	case FormatBinary:
		return Binary{}.Decode(data)
	case FormatJSON:
		return JSON{}.Decode(data)
	default:
		return nil, malformed(fmt.Sprintf("unknown format tag 0x%02x", data[0]), nil)
	}
}

func checkTag(data []byte, want Format) error {
	if len(data) == 0 {
		return malformed("empty payload", nil)
	}
	if Format(data[0]) != want {
		return malformed(fmt.Sprintf("format tag %s, want %s", Format(data[0]), want), nil)
	}
	return nil
}

func malformed(reason string, err error) error {
	return &stream.MalformedPayloadError{Reason: reason, Err: err}
}

// cloneBytes detaches decoded values from the broker's receive buffer; empty values become nil
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
