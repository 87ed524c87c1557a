package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/fieldcode"
	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

// FieldType is the only field flavour this engine inserts.
const FieldType = "Field"

// Controller note type numbers.
const (
	noteInline   = 0
	noteFootnote = 1
	noteEndnote  = 2
)

func (s *Session) handlers() map[Command]handler {
	return map[Command]handler{
		CmdGetActiveDocument: s.getActiveDocument,
		CmdActivate:          s.activate,
		CmdDisplayAlert:      s.displayAlert,
		CmdCanInsertField:    s.canInsertField,
		CmdCursorInField:     s.cursorInField,
		CmdGetDocumentData:   s.getDocumentData,
		CmdSetDocumentData:   s.setDocumentData,
		CmdInsertField:       s.insertField,
		CmdGetFields:         s.getFields,
		CmdConvert:           s.convert,
		CmdCleanup:           s.cleanup,
		CmdComplete:          s.complete,
		CmdFieldDelete:       s.fieldDelete,
		CmdFieldSelect:       s.fieldSelect,
		CmdFieldRemoveCode:   s.fieldRemoveCode,
		CmdFieldGetText:      s.fieldGetText,
		CmdFieldSetText:      s.fieldSetText,
		CmdFieldGetCode:      s.fieldGetCode,
		CmdFieldSetCode:      s.fieldSetCode,
		CmdFieldGetNoteIndex: s.fieldGetNoteIndex,
		CmdFieldEquals:       s.fieldEquals,
	}
}

// ActiveDocument is the getActiveDocument result.
type ActiveDocument struct {
	DocumentID     string   `json:"documentID"`
	OutputFormat   string   `json:"outputFormat"`
	SupportedNotes []string `json:"supportedNotes"`
}

func (s *Session) documentID(ctx context.Context, t *txn) (string, error) {
	doc := t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectDocument})
	res := t.conn.QueueRead(doc, gateway.PropID)
	if err := t.conn.Flush(ctx); err != nil {
		return "", err
	}
	snap, err := res.Get()
	if err != nil {
		return "", err
	}
	return snap.Get(gateway.PropID), nil
}

func (s *Session) getActiveDocument(ctx context.Context, t *txn, _ []json.RawMessage) (any, error) {
	id, err := s.documentID(ctx, t)
	if err != nil {
		return nil, err
	}
	notes := make([]string, 0, len(s.env.NoteTypes))
	for _, nt := range s.env.NoteTypes {
		notes = append(notes, nt+"s")
	}
	return ActiveDocument{DocumentID: id, OutputFormat: s.outputFormat, SupportedNotes: notes}, nil
}

func (s *Session) activate(ctx context.Context, t *txn, _ []json.RawMessage) (any, error) {
	t.conn.QueueMutate(t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectDocument}), gateway.MutActivate)
	return nil, t.conn.Flush(ctx)
}

func (s *Session) displayAlert(ctx context.Context, _ *txn, args []json.RawMessage) (any, error) {
	text, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	icon, err := argOptInt(args, 1)
	if err != nil {
		return nil, err
	}
	buttons, err := argOptInt(args, 2)
	if err != nil {
		return nil, err
	}
	if s.alerts == nil {
		return DismissedButton, nil
	}
	return s.alerts.Display(ctx, text, icon, buttons)
}

func (s *Session) canInsertField(_ context.Context, _ *txn, args []json.RawMessage) (any, error) {
	fieldType, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return fieldType == FieldType, nil
}

// cursorInField returns the field under the caret as an orphan, or nil.
func (s *Session) cursorInField(ctx context.Context, t *txn, _ []json.RawMessage) (any, error) {
	sel := t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectSelectionFields})
	res := t.conn.QueueRead(sel, gateway.PropCode, gateway.PropText, gateway.PropNoteType)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	snap, err := res.Get()
	if err != nil {
		return nil, err
	}
	for _, it := range snap.Items {
		code := it.Values[gateway.PropCode]
		if !fieldcode.HasPrefix(code, s.env.FieldPrefix) {
			continue
		}
		return s.model.Adopt(t.tr, it.Proxy, code, it.Values[gateway.PropText], it.Values[gateway.PropNoteType]), nil
	}
	return nil, nil
}

func (s *Session) getDocumentData(ctx context.Context, t *txn, _ []json.RawMessage) (any, error) {
	res := t.conn.QueueRead(t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectDocument}), gateway.PropData)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	snap, err := res.Get()
	if err != nil {
		return nil, err
	}
	return snap.Get(gateway.PropData), nil
}

func (s *Session) setDocumentData(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	data, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	t.conn.QueueMutate(t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectDocument}), gateway.MutSetDocumentData, data)
	return nil, t.conn.Flush(ctx)
}

// insertField places a temporary field at the caret and returns it as an
// orphan.
func (s *Session) insertField(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	fieldType, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	if fieldType != FieldType {
		return nil, apperr.New(apperr.KindInvalidArgs, "unsupported field type %q", fieldType)
	}
	noteType, err := argNoteType(args, 1)
	if err != nil {
		return nil, err
	}
	code := s.env.FieldPrefix + fieldcode.KindTemp
	sel := t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectSelection})
	res := t.conn.QueueMutate(sel, gateway.MutInsertField, code, "{Citation}", noteType)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	s.model.Invalidate()
	snap, err := res.Get()
	if err != nil {
		return nil, err
	}
	if len(snap.Items) != 1 {
		return nil, apperr.Fault(fmt.Errorf("insert returned %d fields", len(snap.Items)), "insertField")
	}
	return s.model.Adopt(t.tr, snap.Items[0].Proxy, code, "{Citation}", noteType), nil
}

func (s *Session) getFields(ctx context.Context, t *txn, _ []json.RawMessage) (any, error) {
	return s.model.Fields(ctx, t.tr)
}

// convert changes the note type of several fields in one batch. Notes left
// blank by moving their field inline are deleted.
func (s *Session) convert(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	var fieldIDs []string
	if err := argInto(args, 0, &fieldIDs); err != nil {
		return nil, err
	}
	noteTypes := make([]string, len(fieldIDs))
	var raw []json.RawMessage
	if err := argInto(args, 2, &raw); err != nil {
		return nil, err
	}
	if len(raw) != len(fieldIDs) {
		return nil, apperr.New(apperr.KindInvalidArgs, "convert: %d fields but %d note types", len(fieldIDs), len(raw))
	}
	for i := range raw {
		nt, err := argNoteType(raw, i)
		if err != nil {
			return nil, err
		}
		noteTypes[i] = nt
	}

	fields := make([]*fieldmodel.Field, len(fieldIDs))
	for i, id := range fieldIDs {
		f, err := s.field(ctx, t, id)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}

	var emptied []gateway.Proxy
	for i, f := range fields {
		if f.NoteType != gateway.NoteNone && noteTypes[i] == gateway.NoteNone {
			emptied = append(emptied, s.noteProxy(t, f))
		}
		t.conn.QueueMutate(f.Proxy(), gateway.MutConvert, noteTypes[i])
	}
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	s.model.Invalidate()
	for i, f := range fields {
		f.NoteType = noteTypes[i]
	}
	return nil, s.deleteBlankNotes(ctx, t, emptied)
}

func (s *Session) cleanup(_ context.Context, _ *txn, _ []json.RawMessage) (any, error) {
	s.model.Invalidate()
	return nil, nil
}

func (s *Session) complete(_ context.Context, _ *txn, _ []json.RawMessage) (any, error) {
	s.model.Reset()
	return completed{}, nil
}

// fieldDelete removes a field. A note whose remaining text is blank is
// deleted with it.
func (s *Session) fieldDelete(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	var note gateway.Proxy
	if f.NoteType != gateway.NoteNone {
		note = s.noteProxy(t, f)
	}
	t.conn.QueueMutate(f.Proxy(), gateway.MutDelete)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	s.model.Forget(f.ID)
	s.model.Invalidate()
	if note.IsZero() {
		return nil, nil
	}
	return nil, s.deleteBlankNotes(ctx, t, []gateway.Proxy{note})
}

func (s *Session) fieldSelect(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	t.conn.QueueMutate(f.Proxy(), gateway.MutSelect)
	return nil, t.conn.Flush(ctx)
}

func (s *Session) fieldRemoveCode(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	t.conn.QueueMutate(f.Proxy(), gateway.MutRemoveCode)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	s.model.Forget(f.ID)
	s.model.Invalidate()
	return nil, nil
}

func (s *Session) readField(ctx context.Context, t *txn, f *fieldmodel.Field) error {
	res := t.conn.QueueRead(f.Proxy(), gateway.PropCode, gateway.PropText)
	if err := t.conn.Flush(ctx); err != nil {
		return err
	}
	snap, err := res.Get()
	if err != nil {
		return err
	}
	f.Code, f.Text = snap.Get(gateway.PropCode), snap.Get(gateway.PropText)
	return nil
}

func (s *Session) fieldGetText(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.readField(ctx, t, f); err != nil {
		return nil, err
	}
	return f.Text, nil
}

// fieldSetText writes plain text. Rich text arrives already rendered by the
// controller; markup is stored as given.
func (s *Session) fieldSetText(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	text, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	t.conn.QueueMutate(f.Proxy(), gateway.MutSetText, text)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	f.Text = text
	return nil, nil
}

func (s *Session) fieldGetCode(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.readField(ctx, t, f); err != nil {
		return nil, err
	}
	return f.Code, nil
}

// fieldSetCode stores code, adding the field prefix when it is missing.
func (s *Session) fieldSetCode(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	f, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	code, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	if !fieldcode.HasPrefix(code, s.env.FieldPrefix) {
		code = s.env.FieldPrefix + strings.TrimSpace(code)
	}
	t.conn.QueueMutate(f.Proxy(), gateway.MutSetCode, code)
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	f.Code = code
	return nil, nil
}

// fieldGetNoteIndex reconciles orphans first so a freshly inserted field
// reports its note number.
func (s *Session) fieldGetNoteIndex(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	id, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	if _, err := s.model.Fields(ctx, t.tr); err != nil {
		return nil, err
	}
	f, err := s.model.Lookup(id)
	if err != nil {
		return nil, err
	}
	return f.NoteIndex(), nil
}

func (s *Session) fieldEquals(ctx context.Context, t *txn, args []json.RawMessage) (any, error) {
	a, err := s.fieldArg(ctx, t, args, 0)
	if err != nil {
		return nil, err
	}
	b, err := s.fieldArg(ctx, t, args, 1)
	if err != nil {
		return nil, err
	}
	if a.ID == b.ID {
		return true, nil
	}
	pos := t.conn.ComparePosition(a.Proxy(), b.Proxy())
	if err := t.conn.Flush(ctx); err != nil {
		return nil, err
	}
	p, err := pos.Get()
	if err != nil {
		return nil, err
	}
	return p == gateway.Equal, nil
}

// field resolves an id, rebuilding the field list once when the id is not
// known yet.
func (s *Session) field(ctx context.Context, t *txn, id string) (*fieldmodel.Field, error) {
	f, err := s.model.Lookup(id)
	if err == nil {
		return f, nil
	}
	if s.model.Valid() {
		return nil, err
	}
	if _, err := s.model.Fields(ctx, t.tr); err != nil {
		return nil, err
	}
	return s.model.Lookup(id)
}

func (s *Session) fieldArg(ctx context.Context, t *txn, args []json.RawMessage, i int) (*fieldmodel.Field, error) {
	id, err := argString(args, i)
	if err != nil {
		return nil, err
	}
	return s.field(ctx, t, id)
}

// noteProxy returns the note holding f, creating a proxy for it when the
// field came from outside the ordered list. The proxy is tracked since it
// is used over several batches.
func (s *Session) noteProxy(t *txn, f *fieldmodel.Field) gateway.Proxy {
	if n := f.Note(); n != nil {
		return n.Proxy()
	}
	p := t.conn.CreateProxy(gateway.Selector{Kind: gateway.SelectParentNote, Parent: f.Proxy().ID})
	return t.tr.Track(p).Proxy
}

// deleteBlankNotes deletes the notes whose text is only whitespace. Several
// proxies may name one note, either as the same proxy or as proxies created
// through different fields; each note is deleted once.
func (s *Session) deleteBlankNotes(ctx context.Context, t *txn, notes []gateway.Proxy) error {
	notes = uniqueProxies(notes)
	if len(notes) == 0 {
		return nil
	}
	texts := make([]*gateway.Pending[gateway.Snapshot], len(notes))
	earlier := make([][]*gateway.Pending[gateway.Position], len(notes))
	for i, n := range notes {
		texts[i] = t.conn.QueueRead(n, gateway.PropText)
		for _, prev := range notes[:i] {
			earlier[i] = append(earlier[i], t.conn.ComparePosition(n, prev))
		}
	}
	if err := t.conn.Flush(ctx); err != nil {
		return err
	}
	for i, n := range notes {
		dup, err := anyEqual(earlier[i])
		if err != nil {
			return err
		}
		if dup {
			continue
		}
		snap, err := texts[i].Get()
		if err != nil {
			return err
		}
		if strings.TrimSpace(snap.Get(gateway.PropText)) == "" {
			t.conn.QueueMutate(n, gateway.MutDelete)
		}
	}
	return t.conn.Flush(ctx)
}

func uniqueProxies(ps []gateway.Proxy) []gateway.Proxy {
	seen := make(map[gateway.ProxyID]struct{}, len(ps))
	out := ps[:0:0]
	for _, p := range ps {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func anyEqual(ps []*gateway.Pending[gateway.Position]) (bool, error) {
	for _, p := range ps {
		pos, err := p.Get()
		if err != nil {
			return false, err
		}
		if pos == gateway.Equal {
			return true, nil
		}
	}
	return false, nil
}

func argInto(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return apperr.New(apperr.KindInvalidArgs, "missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgs, err, "argument %d", i)
	}
	return nil
}

func argString(args []json.RawMessage, i int) (string, error) {
	var s string
	err := argInto(args, i, &s)
	return s, err
}

func argInt(args []json.RawMessage, i int) (int, error) {
	var n int
	err := argInto(args, i, &n)
	return n, err
}

// argOptInt is argInt for trailing arguments that default to 0 when absent
// or null.
func argOptInt(args []json.RawMessage, i int) (int, error) {
	if i >= len(args) || string(bytes.TrimSpace(args[i])) == "null" {
		return 0, nil
	}
	return argInt(args, i)
}

// argNoteType accepts the controller's numeric note types as well as the
// gateway names.
func argNoteType(args []json.RawMessage, i int) (string, error) {
	if n, err := argInt(args, i); err == nil {
		switch n {
		case noteInline:
			return gateway.NoteNone, nil
		case noteFootnote:
			return gateway.NoteFootnote, nil
		case noteEndnote:
			return gateway.NoteEndnote, nil
		}
		return "", apperr.New(apperr.KindInvalidArgs, "unknown note type %d", n)
	}
	s, err := argString(args, i)
	if err != nil {
		return "", err
	}
	switch s {
	case gateway.NoteNone, gateway.NoteFootnote, gateway.NoteEndnote:
		return s, nil
	}
	return "", apperr.New(apperr.KindInvalidArgs, "unknown note type %q", s)
}
