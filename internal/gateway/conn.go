package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
)

// Conn is the client side of one transaction: it queues ops against a
// Channel and sends them as one batch per Flush.
//
// A Conn is not safe for concurrent use. Exactly one transaction holds a Conn.
type Conn struct {
	ch        Channel
	ops       []Op
	resolvers []func(OpResult, error)
	next      int
	flushes   int
	closed    bool
}

// Open attaches to host, re-binding the carried proxies.
func Open(ctx context.Context, host Host, carried []Proxy) (*Conn, error) {
	ids := make([]ProxyID, len(carried))
	for i, p := range carried {
		ids[i] = p.ID
	}
	ch, err := host.Attach(ctx, ids)
	if err != nil {
		return nil, hostErr(err, "attach with %d carried proxies", len(ids))
	}
	return &Conn{ch: ch}, nil
}

// ID returns the channel id assigned by the host.
func (c *Conn) ID() string { return c.ch.ID() }

// Flushes returns how many non-empty batches were exchanged.
func (c *Conn) Flushes() int { return c.flushes }

// Queued returns the number of ops waiting for the next flush.
func (c *Conn) Queued() int { return len(c.ops) }

func (c *Conn) enqueue(op Op, r func(OpResult, error)) {
	c.ops = append(c.ops, op)
	c.resolvers = append(c.resolvers, r)
}

// CreateProxy returns a proxy for the object sel designates. The proxy is
// usable immediately in the current batch.
func (c *Conn) CreateProxy(sel Selector) Proxy {
	c.next++
	p := Proxy{ID: ProxyID(fmt.Sprintf("%s/c%d", c.ch.ID(), c.next))}
	s := sel
	c.enqueue(Op{Kind: OpCreate, Proxy: p.ID, Selector: &s}, nil)
	return p
}

// QueueRead loads props of p (and of its items, for collections).
func (c *Conn) QueueRead(p Proxy, props ...string) *Pending[Snapshot] {
	out := &Pending[Snapshot]{}
	c.enqueue(Op{Kind: OpRead, Proxy: p.ID, Props: props}, snapshotResolver(out))
	return out
}

// QueueMutate applies the named mutation to p.
func (c *Conn) QueueMutate(p Proxy, name string, args ...string) *Pending[Snapshot] {
	out := &Pending[Snapshot]{}
	c.enqueue(Op{Kind: OpMutate, Proxy: p.ID, Name: name, Args: args}, snapshotResolver(out))
	return out
}

// ComparePosition asks where a lies relative to b.
func (c *Conn) ComparePosition(a, b Proxy) *Pending[Position] {
	out := &Pending[Position]{}
	c.enqueue(Op{Kind: OpCompare, Proxy: a.ID, Other: b.ID}, func(r OpResult, err error) {
		out.resolve(r.Position, err)
	})
	return out
}

// Track keeps p valid past flush boundaries until Untrack.
func (c *Conn) Track(p Proxy) { c.enqueue(Op{Kind: OpTrack, Proxy: p.ID}, nil) }

// Untrack releases a tracked proxy.
func (c *Conn) Untrack(p Proxy) { c.enqueue(Op{Kind: OpUntrack, Proxy: p.ID}, nil) }

func snapshotResolver(out *Pending[Snapshot]) func(OpResult, error) {
	return func(r OpResult, err error) {
		var s Snapshot
		if r.Snapshot != nil {
			s = *r.Snapshot
		}
		out.resolve(s, err)
	}
}

// Flush exchanges the queued batch and resolves every pending value. The
// first rejected op is returned as a GatewayFault; values queued after it
// resolve with an error too.
func (c *Conn) Flush(ctx context.Context) error {
	if c.closed {
		return apperr.Fault(ErrClosed, "flush")
	}
	if len(c.ops) == 0 {
		return nil
	}
	ops, resolvers := c.ops, c.resolvers
	c.ops, c.resolvers = nil, nil
	c.flushes++

	results, err := c.ch.Exchange(ctx, ops)
	if err == nil && len(results) != len(ops) {
		err = fmt.Errorf("host answered %d of %d ops", len(results), len(ops))
	}
	if err != nil {
		fault := hostErr(err, "flush of %d ops", len(ops))
		for _, r := range resolvers {
			if r != nil {
				r(OpResult{}, fault)
			}
		}
		return fault
	}

	var first error
	for i, res := range results {
		var opErr error
		if res.Error != "" {
			opErr = apperr.Fault(errors.New(res.Error), "%s %s", ops[i].Kind, ops[i].Proxy)
			if first == nil {
				first = opErr
			}
		}
		if resolvers[i] != nil {
			resolvers[i](res, opErr)
		}
	}
	return first
}

// Close detaches from the host. Queued ops that were never flushed are
// dropped. Close is idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.ops, c.resolvers = nil, nil
	if err := c.ch.Detach(ctx); err != nil {
		return hostErr(err, "detach")
	}
	return nil
}

// hostErr classifies a failed host call. A host that could not be reached
// stays a TransportError; anything else is a GatewayFault.
func hostErr(err error, format string, args ...any) *apperr.Error {
	if apperr.Is(err, apperr.KindTransport) {
		return apperr.Transport(err, format, args...)
	}
	return apperr.Fault(err, format, args...)
}
