// Package ordering places note anchors into an ordered field sequence using
// only batched pairwise position comparisons.
//
// Every round queues one comparison per unresolved anchor and then flushes
// once, so the number of round trips is bounded by ceil(log2(N+1)) for N
// fields no matter how many anchors are placed.
package ordering

import (
	"context"
	"fmt"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

// Comparer is the part of a gateway connection the reconciler drives.
type Comparer interface {
	ComparePosition(a, b gateway.Proxy) *gateway.Pending[gateway.Position]
	Flush(ctx context.Context) error
}

// Interval is the half-open search range [Lower, Upper) of one anchor.
type Interval struct {
	Lower, Upper int
}

// Collapsed reports whether the insertion index is known.
func (iv Interval) Collapsed() bool { return iv.Lower >= iv.Upper }

func (iv Interval) pivot() int { return iv.Lower + (iv.Upper-iv.Lower)/2 }

// narrow applies one comparison of the anchor against the field at the
// pivot. An anchor equal to the pivot goes before it.
func (iv Interval) narrow(pos gateway.Position) Interval {
	mid := iv.pivot()
	if pos.IsAfter() {
		return Interval{Lower: mid + 1, Upper: iv.Upper}
	}
	return Interval{Lower: iv.Lower, Upper: mid}
}

// Result holds the insertion index of every anchor, in input order.
type Result struct {
	Indices []int
	Rounds  int
}

// Resolve finds, for each anchor, the index in fields before which it
// belongs. fields must already be in document order; each entry is the
// proxy that stands for the field's position in the body (the note
// reference for fields nested in notes).
func Resolve(ctx context.Context, c Comparer, fields, anchors []gateway.Proxy) (Result, error) {
	n := len(fields)
	ivs := make([]Interval, len(anchors))
	for i := range ivs {
		ivs[i] = Interval{Lower: 0, Upper: n}
	}
	res := Result{Indices: make([]int, len(anchors))}

	type probe struct {
		anchor int
		pos    *gateway.Pending[gateway.Position]
	}
	for {
		var round []probe
		for i, iv := range ivs {
			if iv.Collapsed() {
				continue
			}
			mid := iv.pivot()
			if mid >= n {
				ivs[i] = Interval{Lower: n, Upper: n}
				continue
			}
			round = append(round, probe{anchor: i, pos: c.ComparePosition(anchors[i], fields[mid])})
		}
		if len(round) == 0 {
			break
		}
		if err := c.Flush(ctx); err != nil {
			return Result{}, fmt.Errorf("ordering: round %d: %w", res.Rounds+1, err)
		}
		res.Rounds++
		for _, p := range round {
			pos, err := p.pos.Get()
			if err != nil {
				return Result{}, fmt.Errorf("ordering: round %d: %w", res.Rounds, err)
			}
			if pos == gateway.Unrelated {
				return Result{}, apperr.Reconciliation("anchor %s has no position relative to field %d",
					anchors[p.anchor], ivs[p.anchor].pivot())
			}
			ivs[p.anchor] = ivs[p.anchor].narrow(pos)
		}
	}
	for i, iv := range ivs {
		res.Indices[i] = iv.Lower
	}
	return res, nil
}
