package value

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestValueAccessorsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{"null", Null()},
		{"bool", Bool(true)},
		{"int", Int(-42)},
		{"float", Float(3.5)},
		{"string", String("panel")},
		{"sequence", Sequence(Int(1), String("two"), Bool(false))},
		{"mapping", Mapping([]string{"a", "b"}, []Value{Int(1), String("x")})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := msgpack.Marshal(tc.v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out Value
			if err := msgpack.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !tc.v.Equal(out) {
				t.Fatalf("round-trip mismatch: got %#v, want %#v", out, tc.v)
			}
		})
	}
}

func TestMappingGetAndKeys(t *testing.T) {
	m := Mapping([]string{"x", "y"}, []Value{Int(1), Int(2)})
	v, ok := m.Get("y")
	if !ok {
		t.Fatal("expected key y present")
	}
	if got, _ := v.AsInt(); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if _, ok := m.Get("z"); ok {
		t.Fatal("expected key z absent")
	}
	if got := m.Keys(); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected keys order: %v", got)
	}
}

func TestFromGoToGo(t *testing.T) {
	in := map[string]any{
		"name":  "panel",
		"count": 3,
		"tags":  []any{"a", "b"},
		"ok":    true,
		"meta":  nil,
	}
	v := FromGo(in)
	out := v.ToGo()
	outMap, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if outMap["name"] != "panel" {
		t.Fatalf("name mismatch: %v", outMap["name"])
	}
	if outMap["ok"] != true {
		t.Fatalf("ok mismatch: %v", outMap["ok"])
	}
}

func TestKindString(t *testing.T) {
	if KindMapping.String() != "mapping" {
		t.Fatalf("got %s", KindMapping.String())
	}
}
