/*
Package jsonfast offers a minimal JSON builder optimized for low-allocation encoding paths.
*/
package jsonfast

import (
	"encoding/base64"
	"sort"
	"strconv"
)

// Builder is a minimal JSON builder that operates on a reusable byte slice.
// It appends directly into the buffer and tracks nesting so separators are
// emitted correctly. Not a general-purpose writer; callers must balance
// Begin/End calls themselves.
type Builder struct {
	buf   []byte
	first []bool // one entry per open object or array
}

// New creates a new builder with initial capacity.
func New(capacity int) *Builder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Builder{
		buf:   make([]byte, 0, capacity),
		first: make([]bool, 0, 4),
	}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.first = b.first[:0]
}

// Bytes returns the underlying buffer (do not modify after use).
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Depth returns the number of currently open containers.
func (b *Builder) Depth() int {
	return len(b.first)
}

// BeginObject starts a JSON object, either at top level or as an array element.
func (b *Builder) BeginObject() {
	b.sep()
	b.buf = append(b.buf, '{')
	b.push()
}

// EndObject ends the innermost object.
func (b *Builder) EndObject() {
	b.pop()
	b.buf = append(b.buf, '}')
}

// BeginObjectField starts a "name":{ field.
func (b *Builder) BeginObjectField(name string) {
	b.key(name)
	b.buf = append(b.buf, '{')
	b.push()
}

// BeginArrayField starts a "name":[ field.
func (b *Builder) BeginArrayField(name string) {
	b.key(name)
	b.buf = append(b.buf, '[')
	b.push()
}

// EndArray ends the innermost array.
func (b *Builder) EndArray() {
	b.pop()
	b.buf = append(b.buf, ']')
}

// AddStringField adds a "name":"value" string field with escaping.
func (b *Builder) AddStringField(name, value string) {
	b.key(name)
	b.buf = append(b.buf, '"')
	b.escapeString(value)
	b.buf = append(b.buf, '"')
}

// AddRawJSONField adds a "name":<raw json> field without escaping.
// The value must be valid JSON.
func (b *Builder) AddRawJSONField(name string, rawJSON []byte) {
	b.key(name)
	b.buf = append(b.buf, rawJSON...)
}

// AddIntField adds a "name":int field.
func (b *Builder) AddIntField(name string, v int) {
	b.key(name)
	b.buf = strconv.AppendInt(b.buf, int64(v), 10)
}

// AddUintField adds a "name":uint field.
func (b *Builder) AddUintField(name string, v uint64) {
	b.key(name)
	b.buf = strconv.AppendUint(b.buf, v, 10)
}

// AddBytesField adds a "name":"<base64>" field using standard padded encoding,
// the same form encoding/json uses for []byte.
func (b *Builder) AddBytesField(name string, v []byte) {
	b.key(name)
	b.buf = append(b.buf, '"')
	b.buf = base64.StdEncoding.AppendEncode(b.buf, v)
	b.buf = append(b.buf, '"')
}

// AddBytesMapField adds a "name":{"k":"<base64>",...} field with keys in sorted order.
// Empty maps are skipped.
func (b *Builder) AddBytesMapField(name string, m map[string][]byte) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.BeginObjectField(name)
	for _, k := range keys {
		b.AddBytesField(k, m[k])
	}
	b.EndObject()
}

func (b *Builder) key(name string) {
	b.sep()
	b.buf = append(b.buf, '"')
	b.escapeString(name)
	b.buf = append(b.buf, '"', ':')
}

func (b *Builder) sep() {
	n := len(b.first)
	if n == 0 {
		return
	}
	if b.first[n-1] {
		b.first[n-1] = false
		return
	}
	b.buf = append(b.buf, ',')
}

func (b *Builder) push() {
	b.first = append(b.first, true)
}

func (b *Builder) pop() {
	if n := len(b.first); n > 0 {
		b.first = b.first[:n-1]
	}
}

// escapeString escapes JSON special characters.
func (b *Builder) escapeString(s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', '"':
			b.buf = append(b.buf, '\\', c)
		case '\b':
			b.buf = append(b.buf, '\\', 'b')
		case '\f':
			b.buf = append(b.buf, '\\', 'f')
		case '\n':
			b.buf = append(b.buf, '\\', 'n')
		case '\r':
			b.buf = append(b.buf, '\\', 'r')
		case '\t':
			b.buf = append(b.buf, '\\', 't')
		default:
			// Control characters (0x00..0x1f) need escaping
			if c < 0x20 {
				b.buf = append(b.buf, '\\', 'u', '0', '0', hex[c>>4], hex[c&0x0f])
			} else {
				b.buf = append(b.buf, c)
			}
		}
	}
}

var hex = "0123456789abcdef"
