package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{UnknownCommand("Document.nope"), KindUnknownCommand},
		{fmt.Errorf("outer: %w", Reconciliation("orphan %s matched 2 fields", "x")), KindReconciliation},
		{Fault(errors.New("InvalidObjectPath"), "flush"), KindGatewayFault},
		{fmt.Errorf("lookup: %w", ErrNotFound), KindNotFound},
		{errors.New("boom"), KindInternal},
		{nil, ""},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindTransport, nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestToPayload(t *testing.T) {
	err := Fault(errors.New("InvalidObjectPath"), "flush failed")
	p := ToPayload(err)
	if p.Kind != KindGatewayFault {
		t.Errorf("kind = %q", p.Kind)
	}
	if !strings.Contains(p.Message, "flush failed") || !strings.Contains(p.Message, "InvalidObjectPath") {
		t.Errorf("message = %q", p.Message)
	}
	if !strings.Contains(p.Trace, "errors_test.go") {
		t.Errorf("trace should carry the capturing frame, got %q", p.Trace)
	}
	if ToPayload(nil) != nil {
		t.Error("nil error should give nil payload")
	}
}
