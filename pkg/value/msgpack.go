package value

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeMsgpack implements msgpack.CustomEncoder. The wire form is a
// 2-element array: [kind byte, payload]. Sequence/Mapping payloads recurse
// through the same encoder, so nested RuntimeValues round-trip without any
// reflection-based ambiguity between e.g. int and float kinds.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt:
		return enc.EncodeInt64(v.i)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindSequence:
		if err := enc.EncodeArrayLen(len(v.seq)); err != nil {
			return err
		}
		for _, e := range v.seq {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case KindMapping:
		if err := enc.EncodeArrayLen(len(v.m)); err != nil {
			return err
		}
		for _, entry := range v.m {
			if err := enc.EncodeString(entry.key); err != nil {
				return err
			}
			if err := enc.Encode(entry.val); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value: cannot encode kind %s", v.kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder, the inverse of
// EncodeMsgpack.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("value: malformed Value frame, expected array len 2, got %d", n)
	}
	kindByte, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	kind := Kind(kindByte)

	switch kind {
	case KindNull:
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		*v = Null()
	case KindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		*v = Bool(b)
	case KindInt:
		i, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		*v = Int(i)
	case KindFloat:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		*v = Float(f)
	case KindString:
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*v = String(s)
	case KindSequence:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		items := make([]Value, n)
		for i := 0; i < n; i++ {
			if err := dec.Decode(&items[i]); err != nil {
				return err
			}
		}
		*v = Value{kind: KindSequence, seq: items}
	case KindMapping:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		entries := make([]mapEntry, n)
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return err
			}
			var val Value
			if err := dec.Decode(&val); err != nil {
				return err
			}
			entries[i] = mapEntry{key: k, val: val}
		}
		*v = Value{kind: KindMapping, m: entries}
	default:
		return fmt.Errorf("value: unknown kind byte %d", kindByte)
	}
	return nil
}
