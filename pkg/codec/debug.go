package codec

import (
	"encoding/json"

	"github.com/tidwall/sjson"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// DebugJSON renders a Value as a human-readable JSON string annotated
// with its RuntimeValue kind, for the CLI inspect command and for log
// fields. It is never used on the hot boundary-crossing path — that path
// is MarshalContext/MarshalResult above.
func DebugJSON(v value.Value) string {
	raw, err := json.Marshal(v.ToGo())
	if err != nil {
		return `{"error":"debug-json-marshal-failed"}`
	}
	// Wrap rather than splice a sibling key directly into raw: raw may be
	// a bare scalar (string/number/null), which has no object root to
	// splice into, so the wrapper form is used unconditionally.
	wrapped, err := sjson.SetRawBytes([]byte(`{}`), "value", raw)
	if err != nil {
		return string(raw)
	}
	wrapped, err = sjson.SetBytes(wrapped, "kind", v.Kind().String())
	if err != nil {
		return string(wrapped)
	}
	return string(wrapped)
}
