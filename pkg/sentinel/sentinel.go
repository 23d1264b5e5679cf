// Package sentinel provides an immutable error type for sentinel error
// declarations. Sentinel errors declared with errors.New are mutable
// variables a consumer could reassign; Error is a string-based error
// type that can be declared as a const, while staying compatible with
// errors.Is through plain == comparison.
package sentinel

// Error is an immutable error type backed by a string constant.
type Error string

var _ error = Error("")

func (e Error) Error() string { return string(e) }
