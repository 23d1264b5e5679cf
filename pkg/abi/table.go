// Package abi implements the host-function dispatch table the sandboxed
// handler calls into across the WASM boundary: state access, event
// emission, view commands, logging, time, extension introspection, and
// extension suspension. It is independent of any particular script
// engine binding — pkg/engine wires these methods to wazero host
// functions, but Table itself never imports wazero.
package abi

import (
	"time"

	"github.com/nxml-run/sandboxrt/pkg/enforcer"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// Host is the surface an Instance exposes to the ABI layer. Table
// enforces ceilings and capability checks around these calls; Host
// itself trusts its caller.
type Host interface {
	StateGet(key string) (value.Value, bool)
	StateSet(key string, v value.Value)
	StateDelete(key string)
	StateHas(key string) bool
	StateKeys() []string

	Emit(name string, payload value.Value)
	ViewCommand(kind value.ViewCommandKind, targetComponentID, commandName string, args value.Value)

	Log(level, message string)

	HasCapability(token string) bool
	ExtensionMethodAllowed(extension, method string) bool
	ExtensionMethods(extension string) []string
	ExtensionNames() []string

	// Suspend blocks the calling goroutine until the extension call is
	// resolved. The instance layer is responsible for recording the
	// suspension (so Execute can report it to the caller) before the
	// goroutine parks here — see pkg/instance and pkg/suspend.
	Suspend(extension, method string, args []value.Value) (value.Resolution, error)
}

// CallError is returned by a Table method when the call itself is
// refused — a ceiling was exceeded or a capability is missing — as
// opposed to an error value.Value the handler produced on purpose.
type CallError struct {
	Kind         value.ErrorKind
	ResourceKind string
	Capability   string
	Message      string

	// Reason carries the cancelled/fatal sub-kind (ErrorInfo.Reason);
	// empty for every other Kind.
	Reason string
}

func (e *CallError) Error() string { return e.Message }

// Table binds a Host to the Counters that enforce the per-invocation
// ceilings described in §5. One Table, with a fresh Counters, is
// constructed per execute call and handed to the script engine through
// the execution context; it stays bound across any resumes of that same
// run, so the counts cover the whole invocation, not one span of it.
type Table struct {
	Host     Host
	Counters *enforcer.Counters
}

func NewTable(host Host, counters *enforcer.Counters) *Table {
	return &Table{Host: host, Counters: counters}
}

func (t *Table) checkHostCall(name string) *CallError {
	if kind := t.Counters.CheckHostCall(name); kind != enforcer.ErrNone {
		return &CallError{
			Kind:         value.ErrorResourceLimit,
			ResourceKind: string(kind),
			Message:      "host call ceiling exceeded",
		}
	}
	return nil
}

func (t *Table) requireCapability(token string) *CallError {
	if t.Host.HasCapability(token) {
		return nil
	}
	return &CallError{
		Kind:       value.ErrorPermissionDenied,
		Capability: token,
		Message:    "missing capability: " + token,
	}
}

// StateGet returns (value, found). A missing key is not an error.
func (t *Table) StateGet(key string) (value.Value, bool, *CallError) {
	if err := t.checkHostCall("state_get"); err != nil {
		return value.Null(), false, err
	}
	v, ok := t.Host.StateGet(key)
	return v, ok, nil
}

func (t *Table) StateSet(key string, v value.Value) *CallError {
	if err := t.checkHostCall("state_set"); err != nil {
		return err
	}
	if kind := t.Counters.CheckStateMutation(); kind != enforcer.ErrNone {
		return &CallError{Kind: value.ErrorResourceLimit, ResourceKind: string(kind), Message: "state mutation ceiling exceeded"}
	}
	t.Host.StateSet(key, v)
	return nil
}

func (t *Table) StateDelete(key string) *CallError {
	if err := t.checkHostCall("state_delete"); err != nil {
		return err
	}
	if kind := t.Counters.CheckStateMutation(); kind != enforcer.ErrNone {
		return &CallError{Kind: value.ErrorResourceLimit, ResourceKind: string(kind), Message: "state mutation ceiling exceeded"}
	}
	t.Host.StateDelete(key)
	return nil
}

func (t *Table) StateHas(key string) (bool, *CallError) {
	if err := t.checkHostCall("state_has"); err != nil {
		return false, err
	}
	return t.Host.StateHas(key), nil
}

func (t *Table) StateKeys() ([]string, *CallError) {
	if err := t.checkHostCall("state_keys"); err != nil {
		return nil, err
	}
	return t.Host.StateKeys(), nil
}

func (t *Table) Emit(name string, payload value.Value) *CallError {
	if err := t.checkHostCall("emit"); err != nil {
		return err
	}
	if kind := t.Counters.CheckEvent(); kind != enforcer.ErrNone {
		return &CallError{Kind: value.ErrorResourceLimit, ResourceKind: string(kind), Message: "event ceiling exceeded"}
	}
	t.Host.Emit(name, payload)
	return nil
}

func (t *Table) ViewCommand(kind value.ViewCommandKind, targetComponentID, commandName string, args value.Value) *CallError {
	if err := t.checkHostCall("view_command"); err != nil {
		return err
	}
	t.Host.ViewCommand(kind, targetComponentID, commandName, args)
	return nil
}

func (t *Table) Log(level, message string) *CallError {
	if err := t.checkHostCall("log"); err != nil {
		return err
	}
	t.Host.Log(level, message)
	return nil
}

func (t *Table) Now() (int64, *CallError) {
	if err := t.checkHostCall("time_now"); err != nil {
		return 0, err
	}
	return time.Now().UnixMicro(), nil
}

func (t *Table) ExtExists(name string) (bool, *CallError) {
	if err := t.checkHostCall("ext_exists"); err != nil {
		return false, err
	}
	for _, n := range t.Host.ExtensionNames() {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (t *Table) ExtMethods(name string) ([]string, *CallError) {
	if err := t.checkHostCall("ext_methods"); err != nil {
		return nil, err
	}
	return t.Host.ExtensionMethods(name), nil
}

func (t *Table) ExtList() ([]string, *CallError) {
	if err := t.checkHostCall("ext_list"); err != nil {
		return nil, err
	}
	return t.Host.ExtensionNames(), nil
}

// ExtSuspend is the one ABI call that does not return promptly: the
// underlying Host.Suspend blocks the calling goroutine until something
// external resolves the suspension (see pkg/suspend). The host-call
// ceiling is still checked up front, since the call itself counts
// against the budget the instant it's made, regardless of how long it
// then blocks.
func (t *Table) ExtSuspend(extension, method string, args []value.Value) (value.Resolution, *CallError) {
	if err := t.checkHostCall("ext_suspend"); err != nil {
		return value.Resolution{}, err
	}
	if err := t.requireCapability(extension); err != nil {
		return value.Resolution{}, err
	}
	if !t.Host.ExtensionMethodAllowed(extension, method) {
		return value.Resolution{}, &CallError{
			Kind:       value.ErrorPermissionDenied,
			Capability: extension + "." + method,
			Message:    "extension method not permitted: " + extension + "." + method,
		}
	}
	res, err := t.Host.Suspend(extension, method, args)
	if err != nil {
		if callErr, ok := err.(*CallError); ok {
			return value.Resolution{}, callErr
		}
		return value.Resolution{}, &CallError{Kind: value.ErrorExecution, Message: err.Error()}
	}
	return res, nil
}
