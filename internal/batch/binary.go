package batch

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// field numbers of the binary layout; unknown numbers are skipped on decode
const (
	fieldNamespace protowire.Number = 1
	fieldKey       protowire.Number = 2
	fieldToken     protowire.Number = 3
	fieldEvent     protowire.Number = 4

	fieldEventPayload  protowire.Number = 1
	fieldEventMetadata protowire.Number = 2

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// Binary is the default serializer: tag byte followed by protobuf wire fields
type Binary struct{}

// Format implements Serializer
func (Binary) Format() Format { return FormatBinary }

// Encode implements Serializer
func (Binary) Encode(b *stream.BatchContainer) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("encode: nil batch")
	}

	out := make([]byte, 1, 64+len(b.Stream.Namespace))
	out[0] = byte(FormatBinary)
	out = protowire.AppendTag(out, fieldNamespace, protowire.BytesType)
	out = protowire.AppendString(out, b.Stream.Namespace)
	out = protowire.AppendTag(out, fieldKey, protowire.BytesType)
	out = protowire.AppendBytes(out, b.Stream.Key[:])
	out = protowire.AppendTag(out, fieldToken, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.Token))

	var ev []byte
	for i := range b.Events {
		ev = appendEvent(ev[:0], &b.Events[i])
		out = protowire.AppendTag(out, fieldEvent, protowire.BytesType)
		out = protowire.AppendBytes(out, ev)
	}
	return out, nil
}

func appendEvent(out []byte, e *stream.Event) []byte {
	out = protowire.AppendTag(out, fieldEventPayload, protowire.BytesType)
	out = protowire.AppendBytes(out, e.Payload)

	if len(e.Metadata) == 0 {
		return out
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var entry []byte
	for _, k := range keys {
		entry = entry[:0]
		entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldEntryValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e.Metadata[k])

		out = protowire.AppendTag(out, fieldEventMetadata, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

// Decode implements Serializer
func (Binary) Decode(data []byte) (*stream.BatchContainer, error) {
	if err := checkTag(data, FormatBinary); err != nil {
		return nil, err
	}

	b := &stream.BatchContainer{}
	sawKey := false
	rest := data[1:]
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, malformed("batch field tag", protowire.ParseError(n))
		}
		rest = rest[n:]

		switch {
		case num == fieldNamespace && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, malformed("namespace", protowire.ParseError(m))
			}
			b.Stream.Namespace = string(v)
			n = m
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, malformed("stream key", protowire.ParseError(m))
			}
			if len(v) != len(b.Stream.Key) {
				return nil, malformed(fmt.Sprintf("stream key is %d bytes, want %d", len(v), len(b.Stream.Key)), nil)
			}
			copy(b.Stream.Key[:], v)
			sawKey = true
			n = m
		case num == fieldToken && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, malformed("sequence token", protowire.ParseError(m))
			}
			b.Token = stream.SequenceToken(v)
			n = m
		case num == fieldEvent && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, malformed("event", protowire.ParseError(m))
			}
			e, err := decodeEvent(v)
			if err != nil {
				return nil, err
			}
			b.Events = append(b.Events, e)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, malformed(fmt.Sprintf("unknown field %d", num), protowire.ParseError(n))
			}
		}
		rest = rest[n:]
	}

	if !sawKey {
		return nil, malformed("missing stream key", nil)
	}
	return b, nil
}

func decodeEvent(data []byte) (stream.Event, error) {
	var e stream.Event
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, malformed("event field tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldEventPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return e, malformed("event payload", protowire.ParseError(m))
			}
			e.Payload = cloneBytes(v)
			n = m
		case num == fieldEventMetadata && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return e, malformed("event metadata", protowire.ParseError(m))
			}
			k, val, err := decodeEntry(v)
			if err != nil {
				return e, err
			}
			if e.Metadata == nil {
				e.Metadata = make(map[string][]byte)
			}
			e.Metadata[k] = val
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, malformed(fmt.Sprintf("unknown event field %d", num), protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return e, nil
}

func decodeEntry(data []byte) (string, []byte, error) {
	var (
		key   string
		value []byte
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, malformed("metadata entry tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return "", nil, malformed("metadata key", protowire.ParseError(m))
			}
			key = string(v)
			n = m
		case num == fieldEntryValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return "", nil, malformed("metadata value", protowire.ParseError(m))
			}
			value = cloneBytes(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, malformed(fmt.Sprintf("unknown metadata field %d", num), protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return key, value, nil
}
