package codec

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := value.Context{
		PanelID:     "p1",
		HandlerName: "onClick",
		StateSnapshot: map[string]value.Value{
			"x": value.Int(0),
		},
		Args: map[string]value.Value{
			"label": value.String("go"),
		},
		Scope:        map[string]value.Value{},
		Capabilities: map[string]struct{}{"net": {}},
		ExtensionRegistry: map[string][]string{
			"http": {"get", "post"},
		},
	}

	data, err := MarshalContext(ctx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalContext(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.PanelID != ctx.PanelID || got.HandlerName != ctx.HandlerName {
		t.Fatalf("labels mismatch: %+v", got)
	}
	if !got.StateSnapshot["x"].Equal(value.Int(0)) {
		t.Fatalf("state mismatch: %+v", got.StateSnapshot)
	}
	if !got.HasCapability("net") {
		t.Fatal("expected capability net")
	}
	if !got.ExtensionMethodAllowed("http", "get") {
		t.Fatal("expected http.get allowed")
	}
	if got.ExtensionMethodAllowed("http", "delete") {
		t.Fatal("expected http.delete disallowed")
	}
}

func TestResultRoundTripSuccess(t *testing.T) {
	r := value.Result{
		Status:      value.StatusSuccess,
		ReturnValue: value.Int(42),
		Effects: []value.Effect{
			value.NewStateMutation("x", value.StateSet, value.Int(1)),
			value.NewEvent("toast", value.String("hi")),
		},
		Metrics: value.Metrics{HostCalls: 2, StateMutations: 1, Events: 1, DurationMicros: 150},
	}

	data, err := MarshalResult(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalResult(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != value.StatusSuccess {
		t.Fatalf("status mismatch: %v", got.Status)
	}
	if !got.ReturnValue.Equal(value.Int(42)) {
		t.Fatalf("return value mismatch: %+v", got.ReturnValue)
	}
	if len(got.Effects) != 2 || !got.Effects[0].Equal(r.Effects[0]) || !got.Effects[1].Equal(r.Effects[1]) {
		t.Fatalf("effects mismatch: %+v", got.Effects)
	}
	if !reflect.DeepEqual(got.Metrics, r.Metrics) {
		t.Fatalf("metrics mismatch: %+v", got.Metrics)
	}
}

func TestResultRoundTripSuspended(t *testing.T) {
	r := value.Result{
		Status: value.StatusSuspended,
		Effects: []value.Effect{
			value.NewStateMutation("s", value.StateSet, value.String("loading")),
		},
		Suspension: &value.Suspension{
			SuspensionID:  7,
			ExtensionName: "http",
			Method:        "get",
			Args:          []value.Value{value.String("u")},
		},
	}
	data, err := MarshalResult(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalResult(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Suspension == nil || got.Suspension.SuspensionID != 7 || got.Suspension.ExtensionName != "http" {
		t.Fatalf("suspension mismatch: %+v", got.Suspension)
	}
	if len(got.Suspension.Args) != 1 || !got.Suspension.Args[0].Equal(value.String("u")) {
		t.Fatalf("suspension args mismatch: %+v", got.Suspension.Args)
	}
}

func TestResultRoundTripError(t *testing.T) {
	r := value.Result{
		Status: value.StatusError,
		Error: &value.ErrorInfo{
			Kind:         value.ErrorResourceLimit,
			Message:      "host call ceiling exceeded",
			ResourceKind: value.ResourceHostCalls,
		},
	}
	data, err := MarshalResult(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalResult(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error == nil || got.Error.Kind != value.ErrorResourceLimit || got.Error.ResourceKind != value.ResourceHostCalls {
		t.Fatalf("error mismatch: %+v", got.Error)
	}
}

func TestResolutionRoundTrip(t *testing.T) {
	res := value.Resolution{OK: true, Value: value.String("ok")}
	data, err := MarshalResolution(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalResolution(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.OK || !got.Value.Equal(value.String("ok")) {
		t.Fatalf("resolution mismatch: %+v", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WriteFrame([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fw.WriteFrame([]byte("world")); err != nil {
		t.Fatalf("write: %v", err)
	}

	fr := NewFrameReader(&buf)
	got1, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("read1: %v", err)
	}
	if string(got1) != "hello" {
		t.Fatalf("got %q", got1)
	}
	got2, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("read2: %v", err)
	}
	if string(got2) != "world" {
		t.Fatalf("got %q", got2)
	}
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatal("expected EOF on exhausted stream")
	}
}

func TestDebugJSON(t *testing.T) {
	s := DebugJSON(value.Mapping([]string{"a"}, []value.Value{value.Int(1)}))
	if s == "" {
		t.Fatal("expected non-empty debug JSON")
	}
}
