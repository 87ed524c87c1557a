// Package fieldmodel keeps the ordered list of citation fields of the
// document, rebuilt on demand from the gateway and reconciled with fields
// obtained through other entry points.
package fieldmodel

import (
	"encoding/json"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/tracker"
)

// Note is a footnote or endnote container.
type Note struct {
	Type string
	// Index is the 1-based number of the note among notes of its type.
	Index int
	// HasFields is set when the note holds at least one prefixed field.
	HasFields bool

	body tracker.Handle
	ref  tracker.Handle
}

// Proxy returns the note body proxy.
func (n *Note) Proxy() gateway.Proxy { return n.body.Proxy }

// Ref returns the proxy of the note's reference mark in the main body.
func (n *Note) Ref() gateway.Proxy { return n.ref.Proxy }

// Field is one citation field. ID is the only identity callers use; the
// proxy behind it may be replaced during reconciliation.
type Field struct {
	ID       string
	Code     string
	Text     string
	NoteType string
	// Adjacent is set when the field ends exactly where the next one starts.
	Adjacent bool

	handle tracker.Handle
	note   *Note
}

// Proxy returns the proxy of the field range.
func (f *Field) Proxy() gateway.Proxy { return f.handle.Proxy }

// Note returns the containing note, or nil for inline fields.
func (f *Field) Note() *Note { return f.note }

// NoteIndex is the number of the containing note, 0 for inline fields.
func (f *Field) NoteIndex() int {
	if f.note == nil {
		return 0
	}
	return f.note.Index
}

// anchor is the proxy that stands for the field's position in the body.
func (f *Field) anchor() gateway.Proxy {
	if f.note != nil && !f.note.ref.IsZero() {
		return f.note.ref.Proxy
	}
	return f.handle.Proxy
}

type fieldJSON struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Text      string `json:"text"`
	NoteIndex int    `json:"noteIndex"`
	Adjacent  bool   `json:"adjacent"`
}

func (f *Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldJSON{
		ID:        f.ID,
		Code:      f.Code,
		Text:      f.Text,
		NoteIndex: f.NoteIndex(),
		Adjacent:  f.Adjacent,
	})
}
