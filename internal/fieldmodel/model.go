package fieldmodel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/fieldcode"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/ordering"
	"github.com/zotero/zotero-word-js-integration/internal/sessionctx"
	"github.com/zotero/zotero-word-js-integration/internal/tracker"
)

// Model caches the ordered field list until a structural change invalidates
// it. It is owned by one session and is not safe for concurrent use.
type Model struct {
	env     *sessionctx.Env
	fields  []*Field
	valid   bool
	orphans []*Field
	// stale holds the fields of the last dropped list. The next rebuild
	// hands their ids to the fields they still designate.
	stale  []*Field
	rounds int
}

// New returns an empty, invalid model.
func New(env *sessionctx.Env) *Model {
	return &Model{env: env}
}

// Valid reports whether a cached list exists.
func (m *Model) Valid() bool { return m.valid }

// Rounds returns the ordering rounds spent by the last rebuild.
func (m *Model) Rounds() int { return m.rounds }

// Cached returns the cached list without touching the gateway. It is nil
// when the model is invalid.
func (m *Model) Cached() []*Field {
	if !m.valid {
		return nil
	}
	return m.fields
}

// Invalidate drops the cached list. Orphans and the dropped fields are kept
// so their ids survive the rebuild.
func (m *Model) Invalidate() {
	if m.valid {
		m.env.Logger.Debug("fieldmodel: invalidated", slog.Int("fields", len(m.fields)))
		m.stale = append(m.stale, m.fields...)
	}
	m.fields, m.valid = nil, false
}

// Reset drops the cached list, the stale fields and every orphan. Used
// after a gateway fault, when no proxy held by the model can be trusted.
func (m *Model) Reset() {
	m.fields, m.valid, m.orphans, m.stale = nil, false, nil, nil
}

// Adopt registers a field obtained outside Fields, such as a caret lookup or
// a fresh insert. Its proxy is tracked; the next Fields call unifies it with
// the matching entry of the ordered list.
func (m *Model) Adopt(tr *tracker.Tracker, p gateway.Proxy, code, text, noteType string) *Field {
	f := &Field{
		ID:       m.env.NewID(),
		Code:     code,
		Text:     text,
		NoteType: noteType,
		handle:   tr.Track(p),
	}
	m.orphans = append(m.orphans, f)
	return f
}

// Holds reports whether p backs a cached field, a note of one, or an orphan.
// Only such proxies are worth carrying into the next transaction.
func (m *Model) Holds(p gateway.Proxy) bool {
	for _, fs := range [][]*Field{m.orphans, m.stale} {
		for _, f := range fs {
			if f.Proxy() == p {
				return true
			}
		}
	}
	if !m.valid {
		return false
	}
	for _, f := range m.fields {
		if f.Proxy() == p {
			return true
		}
		if n := f.note; n != nil && (n.Proxy() == p || n.Ref() == p) {
			return true
		}
	}
	return false
}

// Orphans returns the fields still waiting for reconciliation.
func (m *Model) Orphans() []*Field { return m.orphans }

// Lookup finds a field by id among the cached list and the orphans.
func (m *Model) Lookup(id string) (*Field, error) {
	if m.valid {
		for _, f := range m.fields {
			if f.ID == id {
				return f, nil
			}
		}
	}
	for _, f := range m.orphans {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, apperr.Wrap(apperr.KindNotFound, apperr.ErrNotFound, "field %s", id)
}

// Forget removes a field from the cached list, the stale fields and the
// orphans.
func (m *Model) Forget(id string) {
	drop := func(fs []*Field) []*Field {
		out := fs[:0]
		for _, f := range fs {
			if f.ID != id {
				out = append(out, f)
			}
		}
		return out
	}
	m.fields = drop(m.fields)
	m.orphans = drop(m.orphans)
	m.stale = drop(m.stale)
}

// Fields returns the ordered field list, rebuilding it when invalid and
// unifying pending orphans and stale fields with it. Every returned field's proxy is tracked
// by tr.
func (m *Model) Fields(ctx context.Context, tr *tracker.Tracker) ([]*Field, error) {
	if !m.valid {
		fields, err := m.build(ctx, tr)
		if err != nil {
			m.Reset()
			return nil, err
		}
		m.fields, m.valid = fields, true
	}
	if len(m.orphans) > 0 || len(m.stale) > 0 {
		if err := m.reconcile(ctx, tr.Conn()); err != nil {
			m.Reset()
			return nil, err
		}
	}
	return m.fields, nil
}

type noteScan struct {
	note   *Note
	fields *gateway.Pending[gateway.Snapshot]
}

func (m *Model) build(ctx context.Context, tr *tracker.Tracker) ([]*Field, error) {
	conn := tr.Conn()
	prefix := m.env.FieldPrefix

	// Body fields and note containers in one batch.
	bodyRead := conn.QueueRead(conn.CreateProxy(gateway.Selector{Kind: gateway.SelectBodyFields}),
		gateway.PropCode, gateway.PropText)
	noteReads := make([]*gateway.Pending[gateway.Snapshot], len(m.env.NoteTypes))
	for i, nt := range m.env.NoteTypes {
		noteReads[i] = conn.QueueRead(conn.CreateProxy(gateway.Selector{Kind: gateway.SelectNotes, Arg: nt}),
			gateway.PropNoteType)
	}
	if err := conn.Flush(ctx); err != nil {
		return nil, fmt.Errorf("fieldmodel: scan: %w", err)
	}

	body, err := bodyRead.Get()
	if err != nil {
		return nil, fmt.Errorf("fieldmodel: body fields: %w", err)
	}
	var seq []*Field
	for _, it := range body.Items {
		code := it.Values[gateway.PropCode]
		if !fieldcode.HasPrefix(code, prefix) {
			continue
		}
		seq = append(seq, &Field{
			ID:       m.env.NewID(),
			Code:     code,
			Text:     it.Values[gateway.PropText],
			NoteType: gateway.NoteNone,
			handle:   tr.Track(it.Proxy),
		})
	}

	// Note bodies and reference marks are tracked before we know whether
	// they hold fields; their proxies would expire before the next answer.
	scans := make([][]noteScan, len(m.env.NoteTypes))
	for i, nt := range m.env.NoteTypes {
		snap, err := noteReads[i].Get()
		if err != nil {
			return nil, fmt.Errorf("fieldmodel: %s notes: %w", nt, err)
		}
		for j, it := range snap.Items {
			n := &Note{Type: nt, Index: j + 1, body: tr.Track(it.Proxy)}
			ref := conn.CreateProxy(gateway.Selector{Kind: gateway.SelectNoteReference, Parent: it.Proxy.ID})
			fields := conn.QueueRead(conn.CreateProxy(gateway.Selector{Kind: gateway.SelectNoteFields, Parent: it.Proxy.ID}),
				gateway.PropCode, gateway.PropText)
			n.ref = tr.Track(ref)
			scans[i] = append(scans[i], noteScan{note: n, fields: fields})
		}
	}
	if conn.Queued() > 0 {
		if err := conn.Flush(ctx); err != nil {
			return nil, fmt.Errorf("fieldmodel: note fields: %w", err)
		}
	}

	rounds := 0
	for i, nt := range m.env.NoteTypes {
		var anchors []gateway.Proxy
		var inserts []ordering.Insert[*Field]
		for _, sc := range scans[i] {
			snap, err := sc.fields.Get()
			if err != nil {
				return nil, fmt.Errorf("fieldmodel: %s %d fields: %w", nt, sc.note.Index, err)
			}
			var nested []*Field
			for _, it := range snap.Items {
				code := it.Values[gateway.PropCode]
				if !fieldcode.HasPrefix(code, prefix) {
					continue
				}
				nested = append(nested, &Field{
					ID:       m.env.NewID(),
					Code:     code,
					Text:     it.Values[gateway.PropText],
					NoteType: nt,
					handle:   tr.Track(it.Proxy),
					note:     sc.note,
				})
			}
			if len(nested) == 0 {
				continue
			}
			sc.note.HasFields = true
			anchors = append(anchors, sc.note.Ref())
			inserts = append(inserts, ordering.Insert[*Field]{Items: nested})
		}
		if len(anchors) == 0 {
			continue
		}
		positions := make([]gateway.Proxy, len(seq))
		for k, f := range seq {
			positions[k] = f.anchor()
		}
		res, err := ordering.Resolve(ctx, conn, positions, anchors)
		if err != nil {
			return nil, fmt.Errorf("fieldmodel: merge %s: %w", nt, err)
		}
		rounds += res.Rounds
		for k := range inserts {
			inserts[k].Index = res.Indices[k]
		}
		seq = ordering.Splice(seq, inserts)
	}

	if err := m.markAdjacent(ctx, conn, seq); err != nil {
		return nil, err
	}
	m.rounds = rounds
	m.env.Logger.Debug("fieldmodel: rebuilt",
		slog.Int("fields", len(seq)),
		slog.Int("rounds", rounds))
	return seq, nil
}

// markAdjacent compares every consecutive pair in one batch.
func (m *Model) markAdjacent(ctx context.Context, conn *gateway.Conn, seq []*Field) error {
	if len(seq) < 2 {
		for _, f := range seq {
			f.Adjacent = false
		}
		return nil
	}
	pending := make([]*gateway.Pending[gateway.Position], len(seq)-1)
	for i := range pending {
		pending[i] = conn.ComparePosition(seq[i].Proxy(), seq[i+1].Proxy())
	}
	if err := conn.Flush(ctx); err != nil {
		return fmt.Errorf("fieldmodel: adjacency: %w", err)
	}
	for i, p := range pending {
		pos, err := p.Get()
		if err != nil {
			return fmt.Errorf("fieldmodel: adjacency: %w", err)
		}
		seq[i].Adjacent = pos == gateway.AdjacentBefore
	}
	seq[len(seq)-1].Adjacent = false
	return nil
}

// reconcile matches orphans and stale fields against every cached field in
// one batch. Each orphan must equal exactly one field, which then takes the
// orphan's id. A stale field equal to exactly one unclaimed field passes its
// id on; otherwise it is gone from the document and dropped.
func (m *Model) reconcile(ctx context.Context, conn *gateway.Conn) error {
	pending := make([]*Field, 0, len(m.orphans)+len(m.stale))
	pending = append(append(pending, m.orphans...), m.stale...)
	grid := make([][]*gateway.Pending[gateway.Position], len(pending))
	for i, o := range pending {
		grid[i] = make([]*gateway.Pending[gateway.Position], len(m.fields))
		for j, f := range m.fields {
			grid[i][j] = conn.ComparePosition(o.Proxy(), f.Proxy())
		}
	}
	if err := conn.Flush(ctx); err != nil {
		return fmt.Errorf("fieldmodel: reconcile: %w", err)
	}

	claimed := make(map[int]string, len(pending))
	kept := 0
	for i, o := range pending {
		orphan := i < len(m.orphans)
		matches, err := equalTo(grid[i])
		if err != nil {
			return fmt.Errorf("fieldmodel: reconcile: %w", err)
		}
		switch {
		case orphan && len(matches) > 1:
			return apperr.Reconciliation("field %s matches more than one field", o.ID)
		case orphan && len(matches) == 0:
			return apperr.Reconciliation("field %s matches no field in the document", o.ID)
		case len(matches) != 1:
			continue
		}
		prev, taken := claimed[matches[0]]
		switch {
		case taken && orphan:
			return apperr.Reconciliation("fields %s and %s designate the same field", prev, o.ID)
		case taken:
			continue
		}
		claimed[matches[0]] = o.ID
		if !orphan {
			kept++
		}
	}
	for j, id := range claimed {
		m.fields[j].ID = id
	}
	m.env.Logger.Debug("fieldmodel: reconciled",
		slog.Int("orphans", len(m.orphans)),
		slog.Int("stale", len(m.stale)),
		slog.Int("kept", kept))
	m.orphans, m.stale = nil, nil
	return nil
}

// equalTo returns the columns of row that compared Equal.
func equalTo(row []*gateway.Pending[gateway.Position]) ([]int, error) {
	var out []int
	for j, p := range row {
		pos, err := p.Get()
		if err != nil {
			return nil, err
		}
		if pos == gateway.Equal {
			out = append(out, j)
		}
	}
	return out, nil
}

// Summaries lists the fields for logs without their payloads.
func Summaries(fields []*Field, prefix string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = fieldcode.Summary(f.Code, prefix)
	}
	return out
}
