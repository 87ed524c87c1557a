// Package tracker owns the set of proxies that must stay valid across flush
// boundaries during one transaction, and guarantees they are released
// before the transaction's connection is closed.
package tracker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

// ErrReleased is returned by a second Release.
var ErrReleased = errors.New("tracker: already released")

// Handle is a proxy that has been registered with a Tracker. Holding a
// Handle means the proxy stays usable until the Tracker is released.
type Handle struct {
	gateway.Proxy
}

// Tracker is the TrackedSet of one transaction.
type Tracker struct {
	conn    *gateway.Conn
	logger  *slog.Logger
	tracked map[gateway.ProxyID]struct{}
	order   []gateway.Proxy
	done    bool
}

// Begin opens a connection to host and registers the carried proxies, so
// fields kept from an earlier transaction are usable again.
func Begin(ctx context.Context, host gateway.Host, carried []gateway.Proxy, logger *slog.Logger) (*Tracker, error) {
	conn, err := gateway.Open(ctx, host, carried)
	if err != nil {
		return nil, err
	}
	t := New(conn, logger)
	for _, p := range carried {
		t.Track(p)
	}
	return t, nil
}

// New wraps an already open connection.
func New(conn *gateway.Conn, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		conn:    conn,
		logger:  logger,
		tracked: make(map[gateway.ProxyID]struct{}),
	}
}

// Conn returns the transaction's connection.
func (t *Tracker) Conn() *gateway.Conn { return t.conn }

// Track registers p. Registering the same proxy twice queues nothing.
// The registration reaches the host with the next flush.
func (t *Tracker) Track(p gateway.Proxy) Handle {
	if p.IsZero() {
		return Handle{}
	}
	if t.done {
		t.logger.Warn("tracker: track after release ignored", slog.String("proxy", p.String()))
		return Handle{Proxy: p}
	}
	if _, ok := t.tracked[p.ID]; !ok {
		t.tracked[p.ID] = struct{}{}
		t.order = append(t.order, p)
		t.conn.Track(p)
	}
	return Handle{Proxy: p}
}

// IsTracked reports whether p is in the set.
func (t *Tracker) IsTracked(p gateway.Proxy) bool {
	_, ok := t.tracked[p.ID]
	return ok
}

// Len returns the size of the set.
func (t *Tracker) Len() int { return len(t.order) }

// Release untracks every registered proxy and performs one final flush.
// It returns the proxies the host acknowledged as released; only those may
// be carried into a later transaction.
func (t *Tracker) Release(ctx context.Context) ([]gateway.Proxy, error) {
	if t.done {
		return nil, ErrReleased
	}
	t.done = true
	ctx = context.WithoutCancel(ctx)

	for _, p := range t.order {
		t.conn.Untrack(p)
	}
	released := t.order
	t.order, t.tracked = nil, map[gateway.ProxyID]struct{}{}
	if err := t.conn.Flush(ctx); err != nil {
		t.logger.Error("tracker: release flush failed",
			slog.Int("proxies", len(released)),
			slog.String("error", err.Error()))
		return nil, err
	}
	t.logger.Debug("tracker: released", slog.Int("proxies", len(released)))
	return released, nil
}

// End releases the set and closes the connection. The connection is closed
// even when the release fails.
func (t *Tracker) End(ctx context.Context) ([]gateway.Proxy, error) {
	released, relErr := t.Release(ctx)
	closeErr := t.conn.Close(context.WithoutCancel(ctx))
	if relErr != nil {
		return nil, relErr
	}
	return released, closeErr
}

// With runs fn inside a tracked transaction and always ends it, returning
// the released proxies for carrying. fn's error wins over a release error.
func With(ctx context.Context, host gateway.Host, carried []gateway.Proxy, logger *slog.Logger, fn func(*Tracker) error) (released []gateway.Proxy, err error) {
	t, err := Begin(ctx, host, carried, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		rel, endErr := t.End(ctx)
		released = rel
		if err == nil {
			err = endErr
		}
	}()
	return nil, fn(t)
}
