package memdoc

import (
	"context"
	"errors"
	"fmt"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

type objKind int

const (
	objDocument objKind = iota
	objBodyFields
	objNotes
	objNoteFields
	objSelection
	objSelectionFields
	objField
	objNote
	objNoteRef
)

// objRef is what a proxy resolves to on the host.
type objRef struct {
	kind objKind
	item *item
	note *note
	arg  string
}

type binding struct {
	ref     objRef
	born    int
	tracked bool
}

type channel struct {
	doc      *Document
	gen      int
	id       string
	epoch    int
	nextItem int
	bindings map[gateway.ProxyID]*binding
	detached bool
}

var _ gateway.Host = (*Document)(nil)

// Attach opens a channel. Carried proxies must have been tracked and then
// released by an earlier channel, and must still designate live objects.
func (d *Document) Attach(_ context.Context, carried []gateway.ProxyID) (gateway.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextChan++
	ch := &channel{
		doc:      d,
		gen:      d.gen,
		id:       fmt.Sprintf("%s:%d", d.id, d.nextChan),
		bindings: make(map[gateway.ProxyID]*binding),
	}
	for _, id := range carried {
		ref, ok := d.released[id]
		if !ok {
			return nil, fmt.Errorf("InvalidObjectPath: proxy %s was not released by an earlier transaction", id)
		}
		if !d.refAlive(ref) {
			return nil, fmt.Errorf("ItemNotFound: proxy %s designates a deleted object", id)
		}
		ch.bindings[id] = &binding{ref: ref}
	}
	for _, id := range carried {
		delete(d.released, id)
	}
	d.channels[ch.id] = ch
	return ch, nil
}

func (d *Document) refAlive(r objRef) bool {
	if r.item != nil && !d.alive[r.item.uid] {
		return false
	}
	if r.note != nil && !d.alive[r.note.uid] {
		return false
	}
	return true
}

func (c *channel) ID() string { return c.id }

// Detach closes the channel. Proxies still tracked at this point leave the
// document unusable: every later exchange fails.
func (c *channel) Detach(_ context.Context) error {
	d := c.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.detached {
		return nil
	}
	c.detached = true
	delete(d.channels, c.id)

	if c.gen != d.gen {
		return nil
	}
	leaked := 0
	for _, b := range c.bindings {
		if b.tracked {
			leaked++
		}
	}
	if leaked > 0 && d.corrupted == nil {
		d.corrupted = fmt.Errorf("GeneralException: document %s is in an invalid state (%d tracked objects leaked by %s)", d.id, leaked, c.id)
	}
	return nil
}

// Exchange applies ops in order. The first failing op stops the batch.
func (c *channel) Exchange(ctx context.Context, ops []gateway.Op) ([]gateway.OpResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := c.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.detached {
		return nil, errors.New("channel detached")
	}
	if c.gen != d.gen {
		return nil, errors.New("GeneralException: document was reloaded")
	}
	d.exchanges++
	if d.corrupted != nil {
		return nil, d.corrupted
	}
	if d.failNext != "" {
		msg := d.failNext
		d.failNext = ""
		return nil, errors.New(msg)
	}

	results := make([]gateway.OpResult, len(ops))
	failed := false
	for i, op := range ops {
		if failed {
			results[i].Error = gateway.ErrNotExecuted
			continue
		}
		res, err := c.apply(op)
		if err != nil {
			results[i].Error = err.Error()
			failed = true
			continue
		}
		results[i] = res
	}
	c.epoch++
	return results, nil
}

// use resolves a proxy for an op in the current batch. A proxy is usable
// in the batch after the one that produced it; beyond that it must be
// tracked.
func (c *channel) use(id gateway.ProxyID) (*binding, error) {
	b, ok := c.bindings[id]
	if !ok {
		return nil, fmt.Errorf("InvalidObjectPath: unknown proxy %s", id)
	}
	if !b.tracked && b.born < c.epoch {
		return nil, fmt.Errorf("InvalidObjectPath: proxy %s used %d batches after it was produced without being tracked", id, c.epoch-b.born)
	}
	if !c.doc.refAlive(b.ref) {
		return nil, fmt.Errorf("ItemNotFound: proxy %s designates a deleted object", id)
	}
	return b, nil
}

func (c *channel) bind(id gateway.ProxyID, ref objRef) {
	c.bindings[id] = &binding{ref: ref, born: c.epoch + 1}
}

func (c *channel) bindItem(ref objRef) gateway.Proxy {
	c.nextItem++
	id := gateway.ProxyID(fmt.Sprintf("%s/h%d", c.id, c.nextItem))
	c.bind(id, ref)
	return gateway.Proxy{ID: id}
}

func (c *channel) apply(op gateway.Op) (gateway.OpResult, error) {
	switch op.Kind {
	case gateway.OpCreate:
		return gateway.OpResult{}, c.create(op)
	case gateway.OpTrack:
		b, err := c.use(op.Proxy)
		if err != nil {
			return gateway.OpResult{}, err
		}
		b.tracked = true
		return gateway.OpResult{}, nil
	case gateway.OpUntrack:
		// Untracking a proxy whose creation never ran is a no-op.
		b, ok := c.bindings[op.Proxy]
		if ok && b.tracked {
			b.tracked = false
			c.doc.released[op.Proxy] = b.ref
		}
		return gateway.OpResult{}, nil
	case gateway.OpRead:
		b, err := c.use(op.Proxy)
		if err != nil {
			return gateway.OpResult{}, err
		}
		snap, err := c.read(b.ref, op.Props)
		if err != nil {
			return gateway.OpResult{}, err
		}
		return gateway.OpResult{Snapshot: snap}, nil
	case gateway.OpMutate:
		b, err := c.use(op.Proxy)
		if err != nil {
			return gateway.OpResult{}, err
		}
		snap, err := c.mutate(b.ref, op.Name, op.Args)
		if err != nil {
			return gateway.OpResult{}, err
		}
		return gateway.OpResult{Snapshot: snap}, nil
	case gateway.OpCompare:
		a, err := c.use(op.Proxy)
		if err != nil {
			return gateway.OpResult{}, err
		}
		b, err := c.use(op.Other)
		if err != nil {
			return gateway.OpResult{}, err
		}
		pos, err := c.doc.compare(a.ref, b.ref)
		if err != nil {
			return gateway.OpResult{}, err
		}
		return gateway.OpResult{Position: pos}, nil
	}
	return gateway.OpResult{}, fmt.Errorf("InvalidArgument: unknown op %q", op.Kind)
}

func (c *channel) create(op gateway.Op) error {
	if op.Selector == nil {
		return errors.New("InvalidArgument: create without selector")
	}
	if _, exists := c.bindings[op.Proxy]; exists {
		return fmt.Errorf("InvalidArgument: proxy %s already bound", op.Proxy)
	}
	sel := *op.Selector
	var parent *binding
	if sel.Parent != "" {
		b, err := c.use(sel.Parent)
		if err != nil {
			return err
		}
		parent = b
	}
	needParent := func(kind objKind) error {
		if parent == nil || parent.ref.kind != kind {
			return fmt.Errorf("InvalidArgument: selector %s needs a different parent", sel)
		}
		return nil
	}

	var ref objRef
	switch sel.Kind {
	case gateway.SelectDocument:
		ref = objRef{kind: objDocument}
	case gateway.SelectBodyFields:
		ref = objRef{kind: objBodyFields}
	case gateway.SelectNotes:
		if sel.Arg != gateway.NoteFootnote && sel.Arg != gateway.NoteEndnote {
			return fmt.Errorf("InvalidArgument: unknown note type %q", sel.Arg)
		}
		ref = objRef{kind: objNotes, arg: sel.Arg}
	case gateway.SelectNoteFields:
		if err := needParent(objNote); err != nil {
			return err
		}
		ref = objRef{kind: objNoteFields, note: parent.ref.note}
	case gateway.SelectNoteReference:
		if err := needParent(objNote); err != nil {
			return err
		}
		ref = objRef{kind: objNoteRef, item: parent.ref.note.ref, note: parent.ref.note}
	case gateway.SelectSelection:
		ref = objRef{kind: objSelection}
	case gateway.SelectSelectionFields:
		ref = objRef{kind: objSelectionFields}
	case gateway.SelectParentNote:
		if err := needParent(objField); err != nil {
			return err
		}
		n := c.doc.noteOf(parent.ref.item)
		if n == nil {
			return fmt.Errorf("ItemNotFound: field %s is not inside a note", sel.Parent)
		}
		ref = objRef{kind: objNote, note: n}
	default:
		return fmt.Errorf("InvalidArgument: unknown selector %q", sel.Kind)
	}
	c.bind(op.Proxy, ref)
	return nil
}
