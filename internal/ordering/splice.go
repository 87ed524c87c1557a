package ordering

import "slices"

// Insert is a run of items to place before index Index of the base
// sequence.
type Insert[T any] struct {
	Index int
	Items []T
}

// Splice places every insert into seq and returns the merged sequence.
// Inserts are applied in descending index order so earlier indices stay
// valid. Inserts sharing an index keep the order they were given in.
func Splice[T any](seq []T, inserts []Insert[T]) []T {
	type ranked struct {
		Insert[T]
		order int
	}
	rs := make([]ranked, len(inserts))
	total := len(seq)
	for i, in := range inserts {
		rs[i] = ranked{Insert: in, order: i}
		total += len(in.Items)
	}
	slices.SortFunc(rs, func(a, b ranked) int {
		if a.Index != b.Index {
			return b.Index - a.Index
		}
		return b.order - a.order
	})

	out := make([]T, len(seq), total)
	copy(out, seq)
	for _, r := range rs {
		idx := min(max(r.Index, 0), len(out))
		out = slices.Insert(out, idx, r.Items...)
	}
	return out
}
