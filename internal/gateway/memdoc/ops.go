package memdoc

import (
	"fmt"
	"strings"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

// location of an item: body index, or the note's reference index plus the
// index inside the note.
type location struct {
	body  int
	note  *note
	index int
}

func (d *Document) locate(it *item) (location, bool) {
	for i, b := range d.body {
		if b == it {
			return location{body: i, index: -1}, true
		}
		if b.kind != itemNoteRef {
			continue
		}
		for j, c := range b.note.items {
			if c == it {
				return location{body: i, note: b.note, index: j}, true
			}
		}
	}
	return location{}, false
}

func (d *Document) noteOf(it *item) *note {
	loc, ok := d.locate(it)
	if !ok {
		return nil
	}
	return loc.note
}

func (d *Document) container(n *note) *[]*item {
	if n == nil {
		return &d.body
	}
	return &n.items
}

func (d *Document) kill(it *item) {
	delete(d.alive, it.uid)
	if it.kind == itemNoteRef {
		delete(d.alive, it.note.uid)
		for _, c := range it.note.items {
			delete(d.alive, c.uid)
		}
	}
}

func insertAt(s []*item, i int, it *item) []*item {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = it
	return s
}

func removeAt(s []*item, i int) []*item {
	return append(s[:i], s[i+1:]...)
}

// detach removes it from its container, keeping the caret inside bounds.
func (d *Document) detach(it *item) (location, error) {
	loc, ok := d.locate(it)
	if !ok {
		return loc, fmt.Errorf("ItemNotFound: item %d is not in the document", it.uid)
	}
	if loc.note == nil {
		d.body = removeAt(d.body, loc.body)
		if d.caret.note == nil && d.caret.index > loc.body {
			d.caret.index--
		}
		if it.kind == itemNoteRef && d.caret.note == it.note {
			d.caret = caret{index: loc.body}
		}
		return loc, nil
	}
	loc.note.items = removeAt(loc.note.items, loc.index)
	if d.caret.note == loc.note && d.caret.index > loc.index {
		d.caret.index--
	}
	return loc, nil
}

func noteText(n *note) string {
	var b strings.Builder
	for _, c := range n.items {
		b.WriteString(c.text)
	}
	return b.String()
}

func (c *channel) values(ref objRef, props []string) (map[string]string, error) {
	d := c.doc
	out := make(map[string]string, len(props))
	for _, p := range props {
		var v string
		switch {
		case ref.kind == objDocument && p == gateway.PropData:
			v = d.data
		case ref.kind == objDocument && p == gateway.PropID:
			v = d.id
		case ref.kind == objField && p == gateway.PropCode:
			v = ref.item.code
		case ref.kind == objField && p == gateway.PropText:
			v = ref.item.text
		case ref.kind == objField && p == gateway.PropNoteType:
			v = gateway.NoteNone
			if n := d.noteOf(ref.item); n != nil {
				v = n.noteType
			}
		case (ref.kind == objNote || ref.kind == objNoteRef) && p == gateway.PropNoteType:
			v = ref.note.noteType
		case ref.kind == objNote && p == gateway.PropText:
			v = noteText(ref.note)
		case ref.kind == objSelection && p == gateway.PropNoteType:
			v = gateway.NoteNone
			if d.caret.note != nil {
				v = d.caret.note.noteType
			}
		default:
			return nil, fmt.Errorf("PropertyNotLoaded: %q is not readable here", p)
		}
		out[p] = v
	}
	return out, nil
}

func (c *channel) read(ref objRef, props []string) (*gateway.Snapshot, error) {
	d := c.doc
	var members []objRef
	switch ref.kind {
	case objBodyFields:
		for _, it := range d.body {
			if it.kind == itemField {
				members = append(members, objRef{kind: objField, item: it})
			}
		}
	case objNotes:
		for _, it := range d.body {
			if it.kind == itemNoteRef && it.note.noteType == ref.arg {
				members = append(members, objRef{kind: objNote, note: it.note})
			}
		}
	case objNoteFields:
		for _, it := range ref.note.items {
			if it.kind == itemField {
				members = append(members, objRef{kind: objField, item: it})
			}
		}
	case objSelectionFields:
		cont := *d.container(d.caret.note)
		if d.caret.index < len(cont) && cont[d.caret.index].kind == itemField {
			members = append(members, objRef{kind: objField, item: cont[d.caret.index]})
		}
	default:
		vals, err := c.values(ref, props)
		if err != nil {
			return nil, err
		}
		return &gateway.Snapshot{Values: vals}, nil
	}

	snap := &gateway.Snapshot{Items: make([]gateway.Item, 0, len(members))}
	for _, m := range members {
		vals, err := c.values(m, props)
		if err != nil {
			return nil, err
		}
		snap.Items = append(snap.Items, gateway.Item{Proxy: c.bindItem(m), Values: vals})
	}
	return snap, nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func (c *channel) mutate(ref objRef, name string, args []string) (*gateway.Snapshot, error) {
	d := c.doc
	switch {
	case ref.kind == objDocument && name == gateway.MutSetDocumentData:
		d.data = arg(args, 0)
		return &gateway.Snapshot{}, nil
	case ref.kind == objDocument && name == gateway.MutActivate:
		d.activations++
		return &gateway.Snapshot{}, nil
	case ref.kind == objSelection && name == gateway.MutInsertField:
		it, err := d.insertField(arg(args, 0), arg(args, 1), arg(args, 2))
		if err != nil {
			return nil, err
		}
		p := c.bindItem(objRef{kind: objField, item: it})
		return &gateway.Snapshot{Items: []gateway.Item{{Proxy: p}}}, nil
	case ref.kind == objNote && name == gateway.MutDelete:
		if _, err := d.detach(ref.note.ref); err != nil {
			return nil, err
		}
		d.kill(ref.note.ref)
		return &gateway.Snapshot{}, nil
	case ref.kind == objField:
		return d.mutateField(ref.item, name, args)
	}
	return nil, fmt.Errorf("InvalidArgument: %s is not supported on this object", name)
}

func (d *Document) insertField(code, text, noteType string) (*item, error) {
	field := d.newItem(itemField)
	field.code, field.text = code, text
	if noteType == "" || noteType == gateway.NoteNone {
		cont := d.container(d.caret.note)
		*cont = insertAt(*cont, d.caret.index, field)
		return field, nil
	}
	if noteType != gateway.NoteFootnote && noteType != gateway.NoteEndnote {
		delete(d.alive, field.uid)
		return nil, fmt.Errorf("InvalidArgument: unknown note type %q", noteType)
	}
	if d.caret.note != nil {
		delete(d.alive, field.uid)
		return nil, fmt.Errorf("InvalidArgument: cannot insert a %s inside a note", noteType)
	}
	n := d.newNote(noteType)
	n.items = []*item{field}
	d.body = insertAt(d.body, d.caret.index, n.ref)
	d.caret = caret{note: n, index: 0}
	return field, nil
}

func (d *Document) mutateField(it *item, name string, args []string) (*gateway.Snapshot, error) {
	switch name {
	case gateway.MutSetCode:
		it.code = arg(args, 0)
	case gateway.MutSetText:
		it.text = arg(args, 0)
	case gateway.MutSelect:
		loc, ok := d.locate(it)
		if !ok {
			return nil, fmt.Errorf("ItemNotFound: field %d", it.uid)
		}
		if loc.note == nil {
			d.caret = caret{index: loc.body}
		} else {
			d.caret = caret{note: loc.note, index: loc.index}
		}
	case gateway.MutDelete:
		if _, err := d.detach(it); err != nil {
			return nil, err
		}
		d.kill(it)
	case gateway.MutRemoveCode:
		loc, ok := d.locate(it)
		if !ok {
			return nil, fmt.Errorf("ItemNotFound: field %d", it.uid)
		}
		txt := d.newItem(itemText)
		txt.text = it.text
		cont := d.container(loc.note)
		i := loc.index
		if loc.note == nil {
			i = loc.body
		}
		(*cont)[i] = txt
		d.kill(it)
	case gateway.MutConvert:
		if err := d.convert(it, arg(args, 0)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("InvalidArgument: %s is not supported on a field", name)
	}
	return &gateway.Snapshot{}, nil
}

// convert moves a field between the body and a note, or retypes its note.
// A note left without items is kept; deleting it is the caller's decision.
func (d *Document) convert(it *item, noteType string) error {
	loc, ok := d.locate(it)
	if !ok {
		return fmt.Errorf("ItemNotFound: field %d", it.uid)
	}
	switch noteType {
	case gateway.NoteNone:
		if loc.note == nil {
			return nil
		}
		loc.note.items = removeAt(loc.note.items, loc.index)
		d.body = insertAt(d.body, loc.body, it)
	case gateway.NoteFootnote, gateway.NoteEndnote:
		if loc.note != nil {
			loc.note.noteType = noteType
			return nil
		}
		n := d.newNote(noteType)
		n.items = []*item{it}
		d.body[loc.body] = n.ref
	default:
		return fmt.Errorf("InvalidArgument: unknown note type %q", noteType)
	}
	return nil
}

// key orders positions: body index, then note content, then index inside
// the note. Carets sort just before the item they precede.
func (d *Document) key(ref objRef) ([4]int, bool, error) {
	switch ref.kind {
	case objField, objNoteRef, objNote:
		it := ref.item
		if ref.kind == objNote {
			it = ref.note.ref
		}
		loc, ok := d.locate(it)
		if !ok {
			return [4]int{}, false, fmt.Errorf("ItemNotFound: item %d", it.uid)
		}
		if loc.note == nil {
			return [4]int{loc.body, 0, 0, 0}, true, nil
		}
		return [4]int{loc.body, 1, loc.index, 0}, true, nil
	case objSelection:
		if d.caret.note == nil {
			return [4]int{d.caret.index, -1, 0, 0}, false, nil
		}
		loc, _ := d.locate(d.caret.note.ref)
		return [4]int{loc.body, 1, d.caret.index, -1}, false, nil
	}
	return [4]int{}, false, fmt.Errorf("InvalidArgument: object has no position")
}

func (d *Document) compare(a, b objRef) (gateway.Position, error) {
	ka, itemA, err := d.key(a)
	if err != nil {
		return gateway.Unrelated, err
	}
	kb, itemB, err := d.key(b)
	if err != nil {
		return gateway.Unrelated, err
	}
	cmp := 0
	for i := range ka {
		if ka[i] != kb[i] {
			if ka[i] < kb[i] {
				cmp = -1
			} else {
				cmp = 1
			}
			break
		}
	}
	if cmp == 0 {
		return gateway.Equal, nil
	}
	adjacent := itemA && itemB && ka[1] == kb[1] && ka[1] == 0 && abs(ka[0]-kb[0]) == 1 ||
		itemA && itemB && ka[1] == 1 && kb[1] == 1 && ka[0] == kb[0] && abs(ka[2]-kb[2]) == 1
	switch {
	case cmp < 0 && adjacent:
		return gateway.AdjacentBefore, nil
	case cmp < 0:
		return gateway.Before, nil
	case adjacent:
		return gateway.AdjacentAfter, nil
	}
	return gateway.After, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
