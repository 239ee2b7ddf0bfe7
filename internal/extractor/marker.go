package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Marker is the sort-key tuple of the last record delivered. Each key is kept
// as the engine's raw JSON token so that 64-bit sort values survive the round
// trip into the next search_after without float rounding. The zero Marker
// means "before the first record".
type Marker struct {
	keys []json.RawMessage
}

// MarkerFromRaw builds a Marker from raw JSON tokens, copying them.
func MarkerFromRaw(keys ...json.RawMessage) Marker {
	if len(keys) == 0 {
		return Marker{}
	}
	m := Marker{keys: make([]json.RawMessage, len(keys))}
	for i, k := range keys {
		m.keys[i] = append(json.RawMessage(nil), bytes.TrimSpace(k)...)
	}
	return m
}

// NewMarker builds a Marker from Go values (int64, string, ...).
func NewMarker(values ...any) (Marker, error) {
	keys := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return Marker{}, fmt.Errorf("encoding sort key %d: %w", i, err)
		}
		keys[i] = raw
	}
	return MarkerFromRaw(keys...), nil
}

func (m Marker) IsZero() bool {
	return len(m.keys) == 0
}

func (m Marker) Len() int {
	return len(m.keys)
}

// Key returns the raw JSON token at position i.
func (m Marker) Key(i int) json.RawMessage {
	return m.keys[i]
}

// Int64 decodes key i as an integer.
func (m Marker) Int64(i int) (int64, error) {
	if i >= len(m.keys) {
		return 0, fmt.Errorf("sort key %d out of range (len %d)", i, len(m.keys))
	}
	return strconv.ParseInt(string(m.keys[i]), 10, 64)
}

// Str decodes key i as a JSON string.
func (m Marker) Str(i int) (string, error) {
	if i >= len(m.keys) {
		return "", fmt.Errorf("sort key %d out of range (len %d)", i, len(m.keys))
	}
	var s string
	if err := json.Unmarshal(m.keys[i], &s); err != nil {
		return "", fmt.Errorf("sort key %d is not a string: %w", i, err)
	}
	return s, nil
}

func (m Marker) Equal(o Marker) bool {
	if len(m.keys) != len(o.keys) {
		return false
	}
	for i := range m.keys {
		if !bytes.Equal(m.keys[i], o.keys[i]) {
			return false
		}
	}
	return true
}

// MarshalJSON renders the marker as a JSON array, the shape search_after
// expects.
func (m Marker) MarshalJSON() ([]byte, error) {
	if len(m.keys) == 0 {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(k)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (m *Marker) UnmarshalJSON(data []byte) error {
	var keys []json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*m = MarkerFromRaw(keys...)
	return nil
}

func (m Marker) String() string {
	if m.IsZero() {
		return "<start>"
	}
	parts := make([]string, len(m.keys))
	for i, k := range m.keys {
		parts[i] = string(k)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
