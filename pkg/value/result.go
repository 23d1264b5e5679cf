package value

// Status discriminates the Result union: a handler invocation completed
// successfully, failed, or suspended on an async extension call.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusError
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// ErrorKind enumerates the closed error taxonomy from the error handling
// design: compile-error, timeout, memory-limit, resource-limit,
// permission-denied, execution-error, cancelled, fatal.
type ErrorKind string

const (
	ErrorCompile           ErrorKind = "compile-error"
	ErrorTimeout            ErrorKind = "timeout"
	ErrorMemoryLimit        ErrorKind = "memory-limit"
	ErrorResourceLimit      ErrorKind = "resource-limit"
	ErrorPermissionDenied   ErrorKind = "permission-denied"
	ErrorExecution          ErrorKind = "execution-error"
	ErrorCancelled          ErrorKind = "cancelled"
	ErrorFatal              ErrorKind = "fatal"
)

// Resource-limit sub-kinds (ErrorInfo.ResourceKind).
const (
	ResourceHostCalls       = "host-calls"
	ResourceStateMutations  = "state-mutations"
	ResourceEvents          = "events"
	ResourceUnknownSuspend  = "unknown-suspension"
	ResourceAlreadyResumed  = "already-resumed"
)

// Fatal sub-kinds (ErrorInfo.Reason).
const (
	FatalShuttingDown = "shutting-down"
	FatalInvariant    = "invariant"
)

// ErrorInfo is the structured payload of a Result in StatusError, carrying
// whichever fields are meaningful for its Kind. It is intentionally a
// plain data struct (not a Go error) so it serializes across the codec
// boundary the same way any other Result field does; pkg/runtime wraps it
// in typed Go errors for the embedding API.
type ErrorInfo struct {
	Kind ErrorKind

	Message string

	// compile-error
	SourceLocation string

	// resource-limit
	ResourceKind string

	// permission-denied
	Capability string

	// execution-error
	ScriptStack   string
	SourceSnippet string

	// cancelled / fatal
	Reason string
}

// Suspension describes a handler's outstanding async extension call. It
// has a one-to-one relationship with a parked Instance.
type Suspension struct {
	SuspensionID  uint64
	ExtensionName string
	Method        string
	Args          []Value
}

// Resolution is the host's answer to a Suspension, passed to
// Runtime.Resume. Exactly one of Value or Message is meaningful,
// discriminated by OK.
type Resolution struct {
	OK      bool
	Value   Value
	Message string
}

// Metrics carries the per-invocation resource counters surfaced to the
// host alongside every Result, win or lose.
type Metrics struct {
	HostCalls      int
	StateMutations int
	Events         int
	DurationMicros int64

	// HostCallsByName breaks HostCalls down by ABI method name (e.g.
	// "state_get", "emit"), for per-series metrics reporting.
	HostCallsByName map[string]int
}

// Result is what an instance's execute/resume call returns. The effects
// buffer and the chosen union arm (ReturnValue, Error, or Suspension) are
// always produced together.
type Result struct {
	Status      Status
	ReturnValue Value
	Effects     []Effect
	Suspension  *Suspension
	Error       *ErrorInfo
	Metrics     Metrics
}
