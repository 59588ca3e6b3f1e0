package swarm

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/hive/internal/breaker"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("timeout")
	ErrExternalPort = errors.New("external port failure")

	// ErrCircuitOpen is returned for calls rejected by an open breaker.
	ErrCircuitOpen = breaker.ErrOpen
)

// Error carries the taxonomy kind together with the failing operation and an
// optional cause. errors.Is matches both the kind and the cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func InvalidInput(op, format string, args ...any) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Timeout(op, format string, args ...any) error {
	return &Error{Kind: ErrTimeout, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ExternalPort wraps a failed storage, messaging or analysis call. A nil err
// yields nil so call sites can wrap unconditionally.
func ExternalPort(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrExternalPort, Op: op, Err: err}
}

// Code names the taxonomy kind of err for wire responses: not_found,
// invalid_input, timeout, circuit_open, external_port or internal.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrExternalPort):
		return "external_port"
	default:
		return "internal"
	}
}
