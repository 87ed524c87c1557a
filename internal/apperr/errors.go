// Package apperr defines the error taxonomy shared by the session engine and
// the payload shape errors take when they are relayed to the controller.
package apperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Kind classifies a failure for the controller.
type Kind string

const (
	KindTransport      Kind = "TransportError"
	KindBusy           Kind = "BusyError"
	KindUnknownCommand Kind = "UnknownCommand"
	KindReconciliation Kind = "ReconciliationError"
	KindGatewayFault   Kind = "GatewayFault"
	KindInvalidArgs    Kind = "InvalidArguments"
	KindNotFound       Kind = "NotFound"
	KindInternal       Kind = "InternalError"
)

// Error is a classified failure. The cause, if any, carries a captured stack.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New returns a classified error with a stack captured at the call site.
func New(kind Kind, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: pkgerrors.New(msg)}
}

// Wrap classifies err, keeping it as the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: pkgerrors.WithStack(err)}
}

// Transport, Busy, UnknownCommand, Reconciliation and Fault are shorthands
// for the kinds the session loop branches on.
func Transport(err error, format string, args ...any) *Error {
	return Wrap(KindTransport, err, format, args...)
}

func Busy(format string, args ...any) *Error { return New(KindBusy, format, args...) }

func UnknownCommand(name string) *Error {
	return New(KindUnknownCommand, "unknown command %q", name)
}

func Reconciliation(format string, args ...any) *Error {
	return New(KindReconciliation, format, args...)
}

func Fault(err error, format string, args ...any) *Error {
	return Wrap(KindGatewayFault, err, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
