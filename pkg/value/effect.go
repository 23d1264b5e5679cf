package value

// EffectKind discriminates the Effect union: StateMutation, Event, or
// ViewCommand.
type EffectKind uint8

const (
	EffectStateMutation EffectKind = iota
	EffectEvent
	EffectViewCommand
)

// StateOp discriminates a StateMutation's operation.
type StateOp uint8

const (
	StateSet StateOp = iota
	StateDelete
)

// ViewCommandKind discriminates the ViewCommand union.
type ViewCommandKind uint8

const (
	ViewSetFilter ViewCommandKind = iota
	ViewScrollTo
	ViewFocus
	ViewCustom
)

// Effect is any externally observable action a handler performed. Exactly
// one of the field groups below is populated, selected by Kind; the other
// groups hold their zero values. This mirrors the Go idiom of a tagged
// struct (rather than an interface union) so effect buffers can be
// allocated as a plain slice and encoded without per-element dynamic
// dispatch.
type Effect struct {
	Kind EffectKind

	// StateMutation fields.
	Key   string
	Op    StateOp
	Value Value

	// Event fields.
	Name    string
	Payload Value

	// ViewCommand fields.
	ViewKind           ViewCommandKind
	TargetComponentID  string
	CommandName        string
	ViewArgs           Value
}

func NewStateMutation(key string, op StateOp, v Value) Effect {
	return Effect{Kind: EffectStateMutation, Key: key, Op: op, Value: v}
}

func NewEvent(name string, payload Value) Effect {
	return Effect{Kind: EffectEvent, Name: name, Payload: payload}
}

func NewViewCommand(kind ViewCommandKind, targetComponentID, commandName string, args Value) Effect {
	return Effect{
		Kind:              EffectViewCommand,
		ViewKind:          kind,
		TargetComponentID: targetComponentID,
		CommandName:       commandName,
		ViewArgs:          args,
	}
}

// Equal reports deep structural equality, used by tests that assert exact
// effect-buffer contents (testable property 2 in spec.md §8).
func (e Effect) Equal(o Effect) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case EffectStateMutation:
		return e.Key == o.Key && e.Op == o.Op && e.Value.Equal(o.Value)
	case EffectEvent:
		return e.Name == o.Name && e.Payload.Equal(o.Payload)
	case EffectViewCommand:
		return e.ViewKind == o.ViewKind && e.TargetComponentID == o.TargetComponentID &&
			e.CommandName == o.CommandName && e.ViewArgs.Equal(o.ViewArgs)
	default:
		return false
	}
}
