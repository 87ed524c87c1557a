// Package gateway describes the remote, batched object-proxy API the session
// engine drives. Proxies are inert handles: reads, mutations and position
// comparisons are queued on a Conn and only resolve when the Conn is flushed.
package gateway

import (
	"fmt"
	"strings"
)

// ProxyID names a remote object for the lifetime of the channel that
// produced it (or longer, when carried into a later channel).
type ProxyID string

// Proxy is a local placeholder for a remote document object.
type Proxy struct {
	ID ProxyID `json:"id"`
}

// IsZero reports whether p refers to nothing.
func (p Proxy) IsZero() bool { return p.ID == "" }

func (p Proxy) String() string { return string(p.ID) }

// SelectorKind picks which remote object a new proxy designates.
type SelectorKind string

const (
	SelectDocument        SelectorKind = "document"
	SelectBodyFields      SelectorKind = "body-fields"
	SelectNotes           SelectorKind = "notes"
	SelectNoteFields      SelectorKind = "note-fields"
	SelectNoteReference   SelectorKind = "note-reference"
	SelectSelection       SelectorKind = "selection"
	SelectSelectionFields SelectorKind = "selection-fields"
	SelectParentNote      SelectorKind = "parent-note"
)

// Selector is the path used to create a proxy. Parent is required for the
// kinds that navigate from an existing object.
type Selector struct {
	Kind   SelectorKind `json:"kind"`
	Parent ProxyID      `json:"parent,omitempty"`
	Arg    string       `json:"arg,omitempty"`
}

func (s Selector) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.Parent != "" {
		fmt.Fprintf(&b, "(%s)", s.Parent)
	}
	if s.Arg != "" {
		fmt.Fprintf(&b, "[%s]", s.Arg)
	}
	return b.String()
}

// Note types as the host reports them.
const (
	NoteNone     = "none"
	NoteFootnote = "footnote"
	NoteEndnote  = "endnote"
)

// Readable properties.
const (
	PropCode     = "code"
	PropText     = "text"
	PropNoteType = "noteType"
	PropData     = "documentData"
	PropID       = "documentId"
)

// Mutation names understood by hosts.
const (
	MutSetDocumentData = "setDocumentData"
	MutActivate        = "activate"
	MutInsertField     = "insertField"
	MutSetCode         = "setCode"
	MutSetText         = "setText"
	MutDelete          = "delete"
	MutSelect          = "select"
	MutRemoveCode      = "removeCode"
	MutConvert         = "convert"
)
