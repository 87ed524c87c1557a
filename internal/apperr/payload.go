package apperr

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Payload is the structured form an error takes on the relay channel. It is
// sent in place of a normal result, wrapped as {"error": Payload}.
type Payload struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// ToPayload converts err for relaying.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	return &Payload{
		Kind:    KindOf(err),
		Message: err.Error(),
		Trace:   trace(err),
	}
}

// trace renders the deepest captured stack in the chain, falling back to the
// chain of messages when nothing captured one.
func trace(err error) string {
	var deepest error
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(interface{ StackTrace() pkgerrors.StackTrace }); ok {
			deepest = e
		}
	}
	if deepest != nil {
		return strings.TrimSpace(fmt.Sprintf("%+v", deepest))
	}
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, e.Error())
	}
	return strings.Join(lines, "\n")
}
