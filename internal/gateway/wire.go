package gateway

import (
	"context"
	"errors"
)

// OpKind names a queued request.
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpRead    OpKind = "read"
	OpMutate  OpKind = "mutate"
	OpCompare OpKind = "compare"
	OpTrack   OpKind = "track"
	OpUntrack OpKind = "untrack"
)

// Op is one queued request. A batch of ops is answered positionally: the
// i-th OpResult answers the i-th Op, and hosts apply ops in issue order.
type Op struct {
	Kind     OpKind    `json:"kind"`
	Proxy    ProxyID   `json:"proxy,omitempty"`
	Selector *Selector `json:"selector,omitempty"`
	Props    []string  `json:"props,omitempty"`
	Name     string    `json:"name,omitempty"`
	Args     []string  `json:"args,omitempty"`
	Other    ProxyID   `json:"other,omitempty"`
}

// Item is one element of a collection read, with its requested properties.
type Item struct {
	Proxy  Proxy             `json:"proxy"`
	Values map[string]string `json:"values,omitempty"`
}

// Snapshot is the resolved value of a read or mutation.
type Snapshot struct {
	Values map[string]string `json:"values,omitempty"`
	Items  []Item            `json:"items,omitempty"`
}

// Get returns a scalar property, or "" when it was not read.
func (s Snapshot) Get(prop string) string {
	if s.Values == nil {
		return ""
	}
	return s.Values[prop]
}

// OpResult answers one Op. Error is set when the host rejected the op; ops
// after the first rejected one are reported as not executed.
type OpResult struct {
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Position Position  `json:"position,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Host is the remote side of the gateway. Attach opens a channel for one
// transaction; carried lists proxies from earlier channels to re-bind.
type Host interface {
	Attach(ctx context.Context, carried []ProxyID) (Channel, error)
}

// Channel exchanges batches for one transaction.
type Channel interface {
	ID() string
	Exchange(ctx context.Context, ops []Op) ([]OpResult, error)
	Detach(ctx context.Context) error
}

// ErrNotFlushed is returned when a pending value is read before the flush
// that resolves it.
var ErrNotFlushed = errors.New("gateway: value read before flush")

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("gateway: connection closed")

// ErrNotExecuted is the error hosts report for ops skipped after a failure.
const ErrNotExecuted = "not executed: earlier op in batch failed"
