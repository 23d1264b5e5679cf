package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// EncodeEffect writes e as [kind, key, op, value, name, payload, view_kind,
// target_component_id, command_name, view_args] — a fixed-width record so
// the decoder never has to branch on frame shape, only on the Kind field
// it reads back out.
func EncodeEffect(enc *msgpack.Encoder, e value.Effect) error {
	if err := enc.EncodeArrayLen(10); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(e.Kind)); err != nil {
		return err
	}
	if err := enc.EncodeString(e.Key); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(e.Op)); err != nil {
		return err
	}
	if err := enc.Encode(e.Value); err != nil {
		return err
	}
	if err := enc.EncodeString(e.Name); err != nil {
		return err
	}
	if err := enc.Encode(e.Payload); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(e.ViewKind)); err != nil {
		return err
	}
	if err := enc.EncodeString(e.TargetComponentID); err != nil {
		return err
	}
	if err := enc.EncodeString(e.CommandName); err != nil {
		return err
	}
	return enc.Encode(e.ViewArgs)
}

func DecodeEffect(dec *msgpack.Decoder) (value.Effect, error) {
	var e value.Effect
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return e, err
	}
	if n != 10 {
		return e, fmt.Errorf("codec: malformed Effect frame, expected array len 10, got %d", n)
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return e, err
	}
	e.Kind = value.EffectKind(kind)
	if e.Key, err = dec.DecodeString(); err != nil {
		return e, err
	}
	op, err := dec.DecodeUint8()
	if err != nil {
		return e, err
	}
	e.Op = value.StateOp(op)
	if err := dec.Decode(&e.Value); err != nil {
		return e, err
	}
	if e.Name, err = dec.DecodeString(); err != nil {
		return e, err
	}
	if err := dec.Decode(&e.Payload); err != nil {
		return e, err
	}
	viewKind, err := dec.DecodeUint8()
	if err != nil {
		return e, err
	}
	e.ViewKind = value.ViewCommandKind(viewKind)
	if e.TargetComponentID, err = dec.DecodeString(); err != nil {
		return e, err
	}
	if e.CommandName, err = dec.DecodeString(); err != nil {
		return e, err
	}
	if err := dec.Decode(&e.ViewArgs); err != nil {
		return e, err
	}
	return e, nil
}

func encodeEffects(enc *msgpack.Encoder, effects []value.Effect) error {
	if err := enc.EncodeArrayLen(len(effects)); err != nil {
		return err
	}
	for _, e := range effects {
		if err := EncodeEffect(enc, e); err != nil {
			return err
		}
	}
	return nil
}

func decodeEffects(dec *msgpack.Decoder) ([]value.Effect, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]value.Effect, n)
	for i := 0; i < n; i++ {
		if out[i], err = DecodeEffect(dec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeSuspension writes s, or a nil marker if s is nil.
func EncodeSuspension(enc *msgpack.Encoder, s *value.Suspension) error {
	if s == nil {
		return enc.EncodeArrayLen(0)
	}
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeUint64(s.SuspensionID); err != nil {
		return err
	}
	if err := enc.EncodeString(s.ExtensionName); err != nil {
		return err
	}
	if err := enc.EncodeString(s.Method); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(s.Args)); err != nil {
		return err
	}
	for _, a := range s.Args {
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	return nil
}

func DecodeSuspension(dec *msgpack.Decoder) (*value.Suspension, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n != 4 {
		return nil, fmt.Errorf("codec: malformed Suspension frame, expected array len 0 or 4, got %d", n)
	}
	s := &value.Suspension{}
	if s.SuspensionID, err = dec.DecodeUint64(); err != nil {
		return nil, err
	}
	if s.ExtensionName, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if s.Method, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	argc, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	s.Args = make([]value.Value, argc)
	for i := 0; i < argc; i++ {
		if err := dec.Decode(&s.Args[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EncodeErrorInfo writes ei, or a nil marker if ei is nil.
func EncodeErrorInfo(enc *msgpack.Encoder, ei *value.ErrorInfo) error {
	if ei == nil {
		return enc.EncodeArrayLen(0)
	}
	if err := enc.EncodeArrayLen(8); err != nil {
		return err
	}
	if err := enc.EncodeString(string(ei.Kind)); err != nil {
		return err
	}
	if err := enc.EncodeString(ei.Message); err != nil {
		return err
	}
	if err := enc.EncodeString(ei.SourceLocation); err != nil {
		return err
	}
	if err := enc.EncodeString(ei.ResourceKind); err != nil {
		return err
	}
	if err := enc.EncodeString(ei.Capability); err != nil {
		return err
	}
	if err := enc.EncodeString(ei.ScriptStack); err != nil {
		return err
	}
	if err := enc.EncodeString(ei.SourceSnippet); err != nil {
		return err
	}
	return enc.EncodeString(ei.Reason)
}

func DecodeErrorInfo(dec *msgpack.Decoder) (*value.ErrorInfo, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n != 7 && n != 8 {
		return nil, fmt.Errorf("codec: malformed ErrorInfo frame, got array len %d", n)
	}
	ei := &value.ErrorInfo{}
	kind, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	ei.Kind = value.ErrorKind(kind)
	if ei.Message, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if ei.SourceLocation, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if ei.ResourceKind, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if ei.Capability, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if ei.ScriptStack, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if ei.SourceSnippet, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	if n == 8 {
		if ei.Reason, err = dec.DecodeString(); err != nil {
			return nil, err
		}
	}
	return ei, nil
}

// EncodeResult writes r's fields in order:
// [status, return_value, effects, suspension, error, metrics]
func EncodeResult(enc *msgpack.Encoder, r value.Result) error {
	if err := enc.EncodeArrayLen(6); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(r.Status)); err != nil {
		return err
	}
	if err := enc.Encode(r.ReturnValue); err != nil {
		return err
	}
	if err := encodeEffects(enc, r.Effects); err != nil {
		return err
	}
	if err := EncodeSuspension(enc, r.Suspension); err != nil {
		return err
	}
	if err := EncodeErrorInfo(enc, r.Error); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(r.Metrics.HostCalls)); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(r.Metrics.StateMutations)); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(r.Metrics.Events)); err != nil {
		return err
	}
	return enc.EncodeInt64(r.Metrics.DurationMicros)
}

func DecodeResult(dec *msgpack.Decoder) (value.Result, error) {
	var r value.Result
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return r, err
	}
	if n != 6 {
		return r, fmt.Errorf("codec: malformed Result frame, expected array len 6, got %d", n)
	}
	status, err := dec.DecodeUint8()
	if err != nil {
		return r, err
	}
	r.Status = value.Status(status)
	if err := dec.Decode(&r.ReturnValue); err != nil {
		return r, err
	}
	if r.Effects, err = decodeEffects(dec); err != nil {
		return r, err
	}
	if r.Suspension, err = DecodeSuspension(dec); err != nil {
		return r, err
	}
	if r.Error, err = DecodeErrorInfo(dec); err != nil {
		return r, err
	}
	mn, err := dec.DecodeArrayLen()
	if err != nil {
		return r, err
	}
	if mn != 4 {
		return r, fmt.Errorf("codec: malformed Metrics frame, expected array len 4, got %d", mn)
	}
	hostCalls, err := dec.DecodeInt()
	if err != nil {
		return r, err
	}
	r.Metrics.HostCalls = hostCalls
	stateMutations, err := dec.DecodeInt()
	if err != nil {
		return r, err
	}
	r.Metrics.StateMutations = stateMutations
	events, err := dec.DecodeInt()
	if err != nil {
		return r, err
	}
	r.Metrics.Events = events
	if r.Metrics.DurationMicros, err = dec.DecodeInt64(); err != nil {
		return r, err
	}
	return r, nil
}

// MarshalResult encodes a Result to its msgpack representation.
func MarshalResult(r value.Result) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := EncodeResult(enc, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalResult decodes a Result from its msgpack representation.
func UnmarshalResult(data []byte) (value.Result, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return DecodeResult(dec)
}

// EncodeResolution writes res's fields: [ok, value, message].
func EncodeResolution(enc *msgpack.Encoder, res value.Resolution) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeBool(res.OK); err != nil {
		return err
	}
	if err := enc.Encode(res.Value); err != nil {
		return err
	}
	return enc.EncodeString(res.Message)
}

func DecodeResolution(dec *msgpack.Decoder) (value.Resolution, error) {
	var res value.Resolution
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return res, err
	}
	if n != 3 {
		return res, fmt.Errorf("codec: malformed Resolution frame, expected array len 3, got %d", n)
	}
	if res.OK, err = dec.DecodeBool(); err != nil {
		return res, err
	}
	if err := dec.Decode(&res.Value); err != nil {
		return res, err
	}
	if res.Message, err = dec.DecodeString(); err != nil {
		return res, err
	}
	return res, nil
}

// MarshalResolution encodes a Resolution to its msgpack representation.
func MarshalResolution(res value.Resolution) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := EncodeResolution(enc, res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalResolution decodes a Resolution from its msgpack representation.
func UnmarshalResolution(data []byte) (value.Resolution, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	return DecodeResolution(dec)
}
