package instance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nxml-run/sandboxrt/pkg/abi"
	"github.com/nxml-run/sandboxrt/pkg/rtlog"
	"github.com/nxml-run/sandboxrt/pkg/value"
)

// The methods in this file implement abi.Host. They run on the
// goroutine Execute or Resume spawned for the current call — never on
// the goroutine that called Execute/Resume itself, which is why no
// locking is needed around workingState/effects: that goroutine is
// blocked in awaitOutcome for the whole time these methods can run.

func (i *Instance) StateGet(key string) (value.Value, bool) {
	v, ok := i.workingState[key]
	return v, ok
}

func (i *Instance) StateSet(key string, v value.Value) {
	i.workingState[key] = v
	i.effects = append(i.effects, value.NewStateMutation(key, value.StateSet, v))
}

func (i *Instance) StateDelete(key string) {
	delete(i.workingState, key)
	i.effects = append(i.effects, value.NewStateMutation(key, value.StateDelete, value.Null()))
}

func (i *Instance) StateHas(key string) bool {
	_, ok := i.workingState[key]
	return ok
}

func (i *Instance) StateKeys() []string {
	keys := make([]string, 0, len(i.workingState))
	for k := range i.workingState {
		keys = append(keys, k)
	}
	return keys
}

func (i *Instance) Emit(name string, payload value.Value) {
	i.effects = append(i.effects, value.NewEvent(name, payload))
}

func (i *Instance) ViewCommand(kind value.ViewCommandKind, targetComponentID, commandName string, args value.Value) {
	i.effects = append(i.effects, value.NewViewCommand(kind, targetComponentID, commandName, args))
}

// Log routes a handler's $log call to the metrics/observability channel
// rather than the effect buffer: log lines are out-of-band and must not
// count against effect multiplicity.
func (i *Instance) Log(level, message string) {
	rtlog.Logger().Log(context.Background(), parseLogLevel(level), message, "instance_id", i.id)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (i *Instance) HasCapability(token string) bool {
	_, ok := i.capabilities[token]
	return ok
}

func (i *Instance) ExtensionMethodAllowed(extension, method string) bool {
	for _, m := range i.extensionRegistry[extension] {
		if m == method {
			return true
		}
	}
	return false
}

func (i *Instance) ExtensionMethods(extension string) []string {
	return i.extensionRegistry[extension]
}

func (i *Instance) ExtensionNames() []string {
	names := make([]string, 0, len(i.extensionRegistry))
	for name := range i.extensionRegistry {
		names = append(names, name)
	}
	return names
}

// Suspend allocates a suspension ID, signals the waiting Execute/Resume
// caller that the handler has parked, and then blocks this goroutine
// until a matching Resume or Cancel call delivers an outcome. A
// cancellation surfaces as a *abi.CallError with Kind ErrorCancelled
// rather than a returned Resolution, so script-level try/catch around
// the extension call cannot observe or swallow it — the same unwind
// path a timeout takes.
func (i *Instance) Suspend(extension, method string, args []value.Value) (value.Resolution, error) {
	id, wait := i.suspends.Begin()
	susp := &value.Suspension{SuspensionID: id, ExtensionName: extension, Method: method, Args: args}

	select {
	case i.suspendedCh <- susp:
	default:
		return value.Resolution{}, fmt.Errorf("instance: suspension signal channel was not ready")
	}

	outcome := wait()
	if outcome.Cancelled {
		return value.Resolution{}, &abi.CallError{Kind: value.ErrorCancelled, Reason: outcome.Reason}
	}
	return outcome.Resolution, nil
}
