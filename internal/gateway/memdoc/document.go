// Package memdoc is an in-memory host for the gateway contract. It keeps a
// document of text runs, fields and notes and enforces the same batching
// and tracking rules a real host does, including the unrecoverable state a
// document enters when a channel detaches with proxies still tracked.
package memdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

type itemKind int

const (
	itemText itemKind = iota
	itemField
	itemNoteRef
)

type item struct {
	uid  int
	kind itemKind
	text string
	code string
	note *note
}

type note struct {
	uid      int
	noteType string
	items    []*item
	ref      *item
}

// caret is the insertion point: before items[index] of the body, or of
// note when note is non-nil.
type caret struct {
	note  *note
	index int
}

// Document is a simulated host document. It is safe for concurrent use;
// channels serialize on the document lock.
type Document struct {
	mu sync.Mutex

	id    string
	data  string
	body  []*item
	caret caret

	gen      int
	nextUID  int
	alive    map[int]bool
	channels map[string]*channel
	released map[gateway.ProxyID]objRef
	nextChan int

	corrupted error
	failNext  string

	exchanges   int
	activations int
}

// FieldInfo is a field as the host sees it, in document order.
type FieldInfo struct {
	Code     string
	Text     string
	NoteType string
}

// New returns an empty document.
func New(id string) *Document {
	d := &Document{id: id}
	d.reset()
	return d
}

func (d *Document) reset() {
	d.gen++
	d.body = nil
	d.caret = caret{}
	d.alive = make(map[int]bool)
	d.channels = make(map[string]*channel)
	d.released = make(map[gateway.ProxyID]objRef)
	d.corrupted = nil
	d.failNext = ""
}

func (d *Document) newItem(kind itemKind) *item {
	d.nextUID++
	it := &item{uid: d.nextUID, kind: kind}
	d.alive[it.uid] = true
	return it
}

func (d *Document) newNote(noteType string) *note {
	d.nextUID++
	n := &note{uid: d.nextUID, noteType: noteType}
	d.alive[n.uid] = true
	ref := d.newItem(itemNoteRef)
	ref.note = n
	n.ref = ref
	return n
}

// Fixture is the YAML form of a document.
type Fixture struct {
	ID    string        `yaml:"id"`
	Data  string        `yaml:"data,omitempty"`
	Caret int           `yaml:"caret,omitempty"`
	Body  []FixtureItem `yaml:"body"`
}

// FixtureItem is exactly one of a text run, a field, or a note.
type FixtureItem struct {
	Text     *string       `yaml:"text,omitempty"`
	Field    *FixtureField `yaml:"field,omitempty"`
	Footnote []FixtureItem `yaml:"footnote,omitempty"`
	Endnote  []FixtureItem `yaml:"endnote,omitempty"`
}

// FixtureField is a field with its code and rendered text.
type FixtureField struct {
	Code string `yaml:"code"`
	Text string `yaml:"text"`
}

// TextItem, FieldItem, FootnoteItem and EndnoteItem build fixtures in code.
func TextItem(s string) FixtureItem { return FixtureItem{Text: &s} }

func FieldItem(code, text string) FixtureItem {
	return FixtureItem{Field: &FixtureField{Code: code, Text: text}}
}

func FootnoteItem(items ...FixtureItem) FixtureItem {
	return FixtureItem{Footnote: append([]FixtureItem{}, items...)}
}

func EndnoteItem(items ...FixtureItem) FixtureItem {
	return FixtureItem{Endnote: append([]FixtureItem{}, items...)}
}

// Load replaces the document content. Every outstanding proxy becomes
// invalid and any corruption is cleared.
func (d *Document) Load(f Fixture) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reset()
	if f.ID != "" {
		d.id = f.ID
	}
	d.data = f.Data
	for i, fi := range f.Body {
		it, err := d.buildItem(fi, true)
		if err != nil {
			return fmt.Errorf("memdoc: body item %d: %w", i, err)
		}
		d.body = append(d.body, it)
	}
	if f.Caret < 0 || f.Caret > len(d.body) {
		return fmt.Errorf("memdoc: caret %d outside body of %d items", f.Caret, len(d.body))
	}
	d.caret = caret{index: f.Caret}
	return nil
}

func (d *Document) buildItem(fi FixtureItem, inBody bool) (*item, error) {
	set := 0
	if fi.Text != nil {
		set++
	}
	if fi.Field != nil {
		set++
	}
	if fi.Footnote != nil {
		set++
	}
	if fi.Endnote != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of text, field, footnote, endnote must be set")
	}
	switch {
	case fi.Text != nil:
		it := d.newItem(itemText)
		it.text = *fi.Text
		return it, nil
	case fi.Field != nil:
		it := d.newItem(itemField)
		it.code, it.text = fi.Field.Code, fi.Field.Text
		return it, nil
	}
	if !inBody {
		return nil, fmt.Errorf("notes cannot nest")
	}
	noteType, children := gateway.NoteFootnote, fi.Footnote
	if fi.Endnote != nil {
		noteType, children = gateway.NoteEndnote, fi.Endnote
	}
	n := d.newNote(noteType)
	for _, c := range children {
		it, err := d.buildItem(c, false)
		if err != nil {
			return nil, err
		}
		n.items = append(n.items, it)
	}
	return n.ref, nil
}

// LoadFile reads a YAML fixture from path.
func (d *Document) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memdoc: read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("memdoc: parse fixture %s: %w", path, err)
	}
	return d.Load(f)
}

// Fixture returns the current content in fixture form.
func (d *Document) Fixture() Fixture {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := Fixture{ID: d.id, Data: d.data}
	if d.caret.note == nil {
		f.Caret = d.caret.index
	}
	for _, it := range d.body {
		f.Body = append(f.Body, fixtureOf(it))
	}
	return f
}

func fixtureOf(it *item) FixtureItem {
	switch it.kind {
	case itemText:
		return TextItem(it.text)
	case itemField:
		return FieldItem(it.code, it.text)
	}
	children := make([]FixtureItem, 0, len(it.note.items))
	for _, c := range it.note.items {
		children = append(children, fixtureOf(c))
	}
	if len(children) == 0 {
		// yaml drops empty lists; keep the note visible.
		children = append(children, TextItem(""))
	}
	if it.note.noteType == gateway.NoteEndnote {
		return FixtureItem{Endnote: children}
	}
	return FixtureItem{Footnote: children}
}

// SaveFile writes the current content as a YAML fixture.
func (d *Document) SaveFile(path string) error {
	data, err := yaml.Marshal(d.Fixture())
	if err != nil {
		return fmt.Errorf("memdoc: encode fixture: %w", err)
	}
	return writeAtomic(path, data)
}

// writeAtomic replaces path through a temp file and rename, so a watcher
// never reloads a half-written fixture.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fixture-tmp-*")
	if err != nil {
		return fmt.Errorf("memdoc: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("memdoc: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("memdoc: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("memdoc: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("memdoc: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("memdoc: rename fixture %s: %w", path, err)
	}
	success = true
	return nil
}

// Fields lists every field in document order: body fields in place, note
// fields at their note's reference.
func (d *Document) Fields() []FieldInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []FieldInfo
	for _, it := range d.body {
		switch it.kind {
		case itemField:
			out = append(out, FieldInfo{Code: it.code, Text: it.text, NoteType: gateway.NoteNone})
		case itemNoteRef:
			for _, c := range it.note.items {
				if c.kind == itemField {
					out = append(out, FieldInfo{Code: c.code, Text: c.text, NoteType: it.note.noteType})
				}
			}
		}
	}
	return out
}

// NoteCount returns the number of notes of the given type.
func (d *Document) NoteCount(noteType string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.body {
		if it.kind == itemNoteRef && it.note.noteType == noteType {
			n++
		}
	}
	return n
}

// Data returns the document data string.
func (d *Document) Data() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// ID returns the document id.
func (d *Document) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// SetCaret moves the caret before body item index.
func (d *Document) SetCaret(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caret = caret{index: index}
}

// Corrupted returns the error every exchange fails with, or nil.
func (d *Document) Corrupted() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.corrupted
}

// OpenChannels returns the number of attached channels.
func (d *Document) OpenChannels() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

// Exchanges returns the number of batches processed so far.
func (d *Document) Exchanges() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchanges
}

// FailNext makes the next exchange fail as a whole with msg.
func (d *Document) FailNext(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = msg
}

// Outline renders the body compactly, for logs and test failures.
func (d *Document) Outline() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for i, it := range d.body {
		if i > 0 {
			b.WriteByte(' ')
		}
		writeOutline(&b, it)
	}
	return b.String()
}

func writeOutline(b *strings.Builder, it *item) {
	switch it.kind {
	case itemText:
		fmt.Fprintf(b, "%q", it.text)
	case itemField:
		fmt.Fprintf(b, "{%s}", it.text)
	case itemNoteRef:
		b.WriteString(it.note.noteType[:1] + "[")
		for i, c := range it.note.items {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeOutline(b, c)
		}
		b.WriteByte(']')
	}
}
