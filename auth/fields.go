package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Handshake field names shared by every request type.
const (
	FieldID       = "Id"
	FieldKey      = "Key"
	FieldNonce    = "Nonce"
	FieldVerifier = "Verifier"
)

// Fields is an ordered string-keyed map, used for both the decoded request
// payload and the response being built. Keys keep their first insertion
// position; setting an existing key replaces its value in place.
type Fields struct {
	keys   []string
	values map[string]string
}

// NewFields creates an empty field map.
func NewFields() *Fields {
	return &Fields{values: make(map[string]string)}
}

// FieldsFrom builds a field map from alternating key/value pairs.
func FieldsFrom(pairs ...string) *Fields {
	f := NewFields()
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Set(pairs[i], pairs[i+1])
	}
	return f
}

// Get returns the value for key and whether it was present.
func (f *Fields) Get(key string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.values[key]
	return v, ok
}

// Set stores value under key.
func (f *Fields) Set(key, value string) {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// require returns the value for key or a MissingFieldError.
func (f *Fields) require(key string) (string, error) {
	v, ok := f.Get(key)
	if !ok {
		return "", missingField(key)
	}
	return v, nil
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := f.AppendJSON(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// AppendJSON writes the fields as comma separated object members, without
// the surrounding braces.
func (f *Fields) AppendJSON(buf *bytes.Buffer) error {
	for i, k := range f.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(f.values[k])
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	return nil
}

// UnmarshalJSON decodes a flat JSON object. String members are stored as
// is, numbers and booleans as their JSON text, and null members are
// dropped. Nested objects and arrays are rejected.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("failed to decode fields: expected object")
	}

	f.keys = nil
	f.values = make(map[string]string)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode fields: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("failed to decode fields: expected member name")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode field %q: %w", key, err)
		}
		raw = bytes.TrimSpace(raw)

		switch {
		case len(raw) == 0:
			return fmt.Errorf("failed to decode field %q: empty value", key)
		case raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("failed to decode field %q: %w", key, err)
			}
			f.Set(key, s)
		case raw[0] == '{' || raw[0] == '[':
			return fmt.Errorf("failed to decode field %q: nested values are not supported", key)
		case bytes.Equal(raw, []byte("null")):
			continue
		default:
			f.Set(key, string(raw))
		}
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	return nil
}
