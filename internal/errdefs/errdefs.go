// Package errdefs defines the error taxonomy shared by every layer of the
// engine. Each failure carries a machine-checkable Kind plus the name of the
// offending node, value or input, so callers can branch on the category
// without parsing messages.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindParse reports a malformed or truncated serialized model.
	KindParse Kind = iota + 1
	// KindValidation reports a structurally invalid graph (cycle, schema
	// mismatch, type conflict).
	KindValidation
	// KindUnsupportedOperator reports a node no provider can execute.
	KindUnsupportedOperator
	// KindPlanning reports that an execution plan could not be built.
	KindPlanning
	// KindInputMismatch reports caller inputs that do not match the graph's
	// declared input schema.
	KindInputMismatch
	// KindKernelExecution reports a kernel failure during a Run.
	KindKernelExecution
	// KindResource reports an allocation failure.
	KindResource
	// KindCancelled reports a Run stopped by its cancellation signal.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindUnsupportedOperator:
		return "unsupported-operator"
	case KindPlanning:
		return "planning"
	case KindInputMismatch:
		return "input-mismatch"
	case KindKernelExecution:
		return "kernel-execution"
	case KindResource:
		return "resource"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error satisfies the error interface so a bare Kind can act as a sentinel
// for errors.Is.
func (k Kind) Error() string { return k.String() + " error" }

// Error is the concrete error type produced by the engine.
type Error struct {
	Kind    Kind
	Subject string // offending node/value/input name, may be empty
	Msg     string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Subject != "" {
		s += " " + fmt.Sprintf("%q", e.Subject)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against a Kind sentinel or another *Error of the same
// kind, enabling errors.Is(err, errdefs.KindParse).
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && (t.Subject == "" || t.Subject == e.Subject)
	}
	return false
}

// New builds an *Error with a formatted message.
func New(kind Kind, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and subject to an underlying cause.
func Wrap(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, kind)
}

// Subject returns the offending name recorded on the first *Error in the
// chain, or "".
func Subject(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Subject
	}
	return ""
}
