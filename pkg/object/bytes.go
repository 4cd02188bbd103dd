package object

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Bytes is binary data that encodes as a hex string and decodes from a hex
// string, a JSON array of byte values or a serialized buffer object
// ({"type":"Buffer","data":[...]}). Strings are always hex: a string that
// could be read as both hex and base64 would decode to different bytes.
type Bytes []byte

// MarshalJSON encodes the bytes as a hex string
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON accepts any of the supported binary encodings
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := decodeString(s)
		if err != nil {
			return err
		}
		*b = decoded
	case '[':
		decoded, err := decodeArray(data)
		if err != nil {
			return err
		}
		*b = decoded
	case '{':
		var buf struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &buf); err != nil {
			return err
		}
		if buf.Type != "Buffer" {
			return fmt.Errorf("unsupported binary object type %q", buf.Type)
		}
		decoded, err := decodeArray(buf.Data)
		if err != nil {
			return err
		}
		*b = decoded
	default:
		return fmt.Errorf("unsupported binary encoding")
	}
	return nil
}

// Canonical returns a compact copy, or nil when empty
func (b Bytes) Canonical() Bytes {
	if len(b) == 0 {
		return nil
	}
	return append(Bytes(nil), b...)
}

func decodeString(s string) ([]byte, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("binary string is not hex: %w", err)
	}
	return decoded, nil
}

func decodeArray(data []byte) ([]byte, error) {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decoding byte array: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value out of range at index %d: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
