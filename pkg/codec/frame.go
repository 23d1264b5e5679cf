// Package codec implements the Context codec: bidirectional serialization
// of Context, Effect, Result, Suspension and Resolution across the sandbox
// boundary. The wire format is msgpack payloads framed with a 4-byte
// big-endian length prefix, the same shape used for the IPC framing in
// the retrieval pack's quarry/ipc package, generalized from one struct
// per frame type to this runtime's Context/Result/Suspension set.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or adversarial length prefix causing an unbounded allocation.
const MaxFrameSize = 16 * 1024 * 1024

// LengthPrefixSize is the width, in bytes, of the frame length prefix.
const LengthPrefixSize = 4

// FrameErrorKind discriminates why framing failed.
type FrameErrorKind uint8

const (
	FrameErrorPartial FrameErrorKind = iota
	FrameErrorTooLarge
	FrameErrorDecode
)

// FrameError wraps a framing failure with enough context to decide
// whether the underlying connection is still usable.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Msg)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFatal reports whether the error indicates the stream itself is no
// longer in a recoverable state (as opposed to one malformed frame that a
// higher layer might choose to skip and resynchronize past).
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// FrameWriter writes length-prefixed payloads to an underlying io.Writer.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload prefixed with its big-endian uint32 length.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &FrameError{Kind: FrameErrorTooLarge, Msg: fmt.Sprintf("payload of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)}
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := fw.w.Write(prefix[:]); err != nil {
		return &FrameError{Kind: FrameErrorPartial, Msg: "writing length prefix", Err: err}
	}
	if _, err := fw.w.Write(payload); err != nil {
		return &FrameError{Kind: FrameErrorPartial, Msg: "writing payload", Err: err}
	}
	return nil
}

// FrameReader reads length-prefixed payloads from an underlying io.Reader.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &FrameReader{r: br}
	}
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads one length-prefixed payload. Returns io.EOF only if the
// stream ends exactly at a frame boundary (no partial prefix or payload
// buffered); any other truncation is reported as a FrameError.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "reading length prefix", Err: err}
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, &FrameError{Kind: FrameErrorTooLarge, Msg: fmt.Sprintf("frame length %d exceeds max frame size %d", n, MaxFrameSize)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "reading payload", Err: err}
	}
	return payload, nil
}
