package codec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// Encoding is deliberately explicit rather than relying on msgpack's
// struct-tag reflection: value.Value implements CustomEncoder/
// CustomDecoder, and reflection-based map decoding into a type that
// implements CustomDecoder only on its pointer receiver is a well-known
// sharp edge in Go msgpack libraries. Writing the field order out by hand
// also keeps the wire format fixed across the life of a CompiledHandler,
// which §4.2 requires.

// MarshalContext encodes a Context to its msgpack representation.
func MarshalContext(c value.Context) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := EncodeContext(enc, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalContext decodes a Context from its msgpack representation.
func UnmarshalContext(data []byte) (value.Context, error) {
	var c value.Context
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := DecodeContext(dec, &c); err != nil {
		return value.Context{}, err
	}
	return c, nil
}

// EncodeContext writes c's fields in a fixed order:
// [panel_id, handler_name, state_snapshot, args, scope, capabilities, extension_registry]
func EncodeContext(enc *msgpack.Encoder, c value.Context) error {
	if err := enc.EncodeArrayLen(7); err != nil {
		return err
	}
	if err := enc.EncodeString(c.PanelID); err != nil {
		return err
	}
	if err := enc.EncodeString(c.HandlerName); err != nil {
		return err
	}
	if err := encodeValueMap(enc, c.StateSnapshot); err != nil {
		return err
	}
	if err := encodeValueMap(enc, c.Args); err != nil {
		return err
	}
	if err := encodeValueMap(enc, c.Scope); err != nil {
		return err
	}
	if err := encodeStringSet(enc, c.Capabilities); err != nil {
		return err
	}
	return encodeExtensionRegistry(enc, c.ExtensionRegistry)
}

// DecodeContext reads the inverse of EncodeContext into *c.
func DecodeContext(dec *msgpack.Decoder, c *value.Context) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 7 {
		return fmt.Errorf("codec: malformed Context frame, expected array len 7, got %d", n)
	}
	if c.PanelID, err = dec.DecodeString(); err != nil {
		return err
	}
	if c.HandlerName, err = dec.DecodeString(); err != nil {
		return err
	}
	if c.StateSnapshot, err = decodeValueMap(dec); err != nil {
		return err
	}
	if c.Args, err = decodeValueMap(dec); err != nil {
		return err
	}
	if c.Scope, err = decodeValueMap(dec); err != nil {
		return err
	}
	if c.Capabilities, err = decodeStringSet(dec); err != nil {
		return err
	}
	if c.ExtensionRegistry, err = decodeExtensionRegistry(dec); err != nil {
		return err
	}
	return nil
}

func encodeValueMap(enc *msgpack.Encoder, m map[string]value.Value) error {
	keys := sortedKeys(m)
	if err := enc.EncodeArrayLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(m[k]); err != nil {
			return err
		}
	}
	return nil
}

func decodeValueMap(dec *msgpack.Decoder) (map[string]value.Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return map[string]value.Value{}, nil
	}
	out := make(map[string]value.Value, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		var v value.Value
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func encodeStringSet(enc *msgpack.Encoder, m map[string]struct{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeArrayLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
	}
	return nil
}

func decodeStringSet(dec *msgpack.Decoder) (map[string]struct{}, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return map[string]struct{}{}, nil
	}
	out := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, nil
}

func encodeExtensionRegistry(enc *msgpack.Encoder, m map[string][]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := enc.EncodeArrayLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		methods := m[k]
		if err := enc.EncodeArrayLen(len(methods)); err != nil {
			return err
		}
		for _, meth := range methods {
			if err := enc.EncodeString(meth); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeExtensionRegistry(dec *msgpack.Decoder) (map[string][]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return map[string][]string{}, nil
	}
	out := make(map[string][]string, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		mn, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		methods := make([]string, mn)
		for j := 0; j < mn; j++ {
			if methods[j], err = dec.DecodeString(); err != nil {
				return nil, err
			}
		}
		out[k] = methods
	}
	return out, nil
}

func sortedKeys(m map[string]value.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
