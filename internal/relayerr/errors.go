package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure
type Kind int

const (
	// KindValidation is a malformed or incomplete inbound event. No I/O was attempted.
	KindValidation Kind = iota + 1
	// KindStaging is a failure writing the staged audio resource.
	KindStaging
	// KindTransport is a network or timeout failure left after all retries.
	KindTransport
	// KindLogical is a downstream service reporting its own failure flag.
	KindLogical
	// KindCleanup is a failed removal of a staged resource. Logged, never surfaced.
	KindCleanup
)

// String returns the short name used in logs and error events
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStaging:
		return "staging"
	case KindTransport:
		return "transport"
	case KindLogical:
		return "logical"
	case KindCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a classified pipeline failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a validation failure
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// Staging wraps a staging failure
func Staging(op string, err error) error {
	return &Error{Kind: KindStaging, Op: op, Err: err}
}

// Transport wraps the last transport failure of a downstream call
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Logical builds a failure reported by a downstream service in its response body
func Logical(service, reason string) error {
	return &Error{Kind: KindLogical, Err: fmt.Errorf("%s service error: %s", service, reason)}
}

// Cleanup wraps a failed removal of a staged resource
func Cleanup(op string, err error) error {
	return &Error{Kind: KindCleanup, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
