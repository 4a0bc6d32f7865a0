package batch

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ibs-source/stream-queue-adapter/internal/stream"
	"github.com/ibs-source/stream-queue-adapter/pkg/jsonfast"
)

// JSON is the human-inspectable format: tag byte followed by a JSON document.
// Payload and metadata values are base64 encoded. Namespaces and metadata
// keys must be valid UTF-8; use Binary for arbitrary bytes there.
type JSON struct{}

type jsonBatch struct {
	Namespace string      `json:"namespace"`
	Key       string      `json:"key"`
	Token     uint64      `json:"token"`
	Events    []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Payload  []byte            `json:"payload"`
	Metadata map[string][]byte `json:"metadata"`
}

// Format implements Serializer
func (JSON) Format() Format { return FormatJSON }

// Encode implements Serializer
func (JSON) Encode(b *stream.BatchContainer) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("encode: nil batch")
	}
	if !utf8.ValidString(b.Stream.Namespace) {
		return nil, fmt.Errorf("encode: namespace %q is not valid UTF-8", b.Stream.Namespace)
	}
	for i := range b.Events {
		for k := range b.Events[i].Metadata {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("encode: event %d metadata key %q is not valid UTF-8", i, k)
			}
		}
	}

	size := 128 + len(b.Stream.Namespace)
	for i := range b.Events {
		size += len(b.Events[i].Payload)*4/3 + 32
	}

	builder := jsonfast.New(size)
	builder.BeginObject()
	builder.AddStringField("namespace", b.Stream.Namespace)
	builder.AddStringField("key", b.Stream.Key.String())
	builder.AddUintField("token", uint64(b.Token))
	builder.BeginArrayField("events")
	for i := range b.Events {
		builder.BeginObject()
		builder.AddBytesField("payload", b.Events[i].Payload)
		builder.AddBytesMapField("metadata", b.Events[i].Metadata)
		builder.EndObject()
	}
	builder.EndArray()
	builder.EndObject()

	out := make([]byte, 0, len(builder.Bytes())+1)
	out = append(out, byte(FormatJSON))
	out = append(out, builder.Bytes()...)
	return out, nil
}

// Decode implements Serializer
func (JSON) Decode(data []byte) (*stream.BatchContainer, error) {
	if err := checkTag(data, FormatJSON); err != nil {
		return nil, err
	}

	var doc jsonBatch
	if err := json.Unmarshal(data[1:], &doc); err != nil {
		return nil, malformed("json document", err)
	}
	if doc.Key == "" {
		return nil, malformed("missing stream key", nil)
	}
	key, err := uuid.Parse(doc.Key)
	if err != nil {
		return nil, malformed("stream key", err)
	}

	b := &stream.BatchContainer{
		Stream: stream.NewStreamID(doc.Namespace, key),
		Token:  stream.SequenceToken(doc.Token),
	}
	if len(doc.Events) > 0 {
		b.Events = make([]stream.Event, len(doc.Events))
		for i, e := range doc.Events {
			b.Events[i].Payload = cloneBytes(e.Payload)
			if len(e.Metadata) > 0 {
				b.Events[i].Metadata = make(map[string][]byte, len(e.Metadata))
				for k, v := range e.Metadata {
					b.Events[i].Metadata[k] = cloneBytes(v)
				}
			}
		}
	}
	return b, nil
}
