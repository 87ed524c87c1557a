package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/sessionctx"
)

func code(n int) string { return fmt.Sprintf(`ADDIN ZOTERO_ITEM CSL_CITATION {"n":%d}`, n) }

type countingObserver struct {
	mu  sync.Mutex
	txs []Transaction
}

func (o *countingObserver) TransactionCompleted(_ context.Context, tx Transaction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txs = append(o.txs, tx)
}

func (o *countingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.txs)
}

func testEnv() *sessionctx.Env {
	env := sessionctx.New(slog.New(slog.NewTextHandler(io.Discard, nil)), "", []string{gateway.NoteFootnote, gateway.NoteEndnote})
	n := 0
	env.NewID = func() string {
		n++
		return fmt.Sprintf("f%d", n)
	}
	return env
}

func newTestSession(t *testing.T, host gateway.Host, opts ...Option) (*Session, *countingObserver) {
	t.Helper()
	obs := &countingObserver{}
	return New(testEnv(), host, append(opts, WithObserver(obs))...), obs
}

func sampleDoc(t *testing.T) *memdoc.Document {
	t.Helper()
	d := memdoc.New("doc-1")
	err := d.Load(memdoc.Fixture{Body: []memdoc.FixtureItem{
		memdoc.FieldItem(code(1), "(A)"),
		memdoc.TextItem(" middle "),
		memdoc.FootnoteItem(memdoc.FieldItem(code(2), "B")),
		memdoc.TextItem(" end"),
	}, Caret: 1})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func args(vs ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		out[i], _ = json.Marshal(v)
	}
	return out
}

func mustRun(t *testing.T, s *Session, name string, a ...any) any {
	t.Helper()
	res := s.Run(context.Background(), name, args(a...))
	if res.Err != nil {
		t.Fatalf("%s: %s: %s", name, res.Err.Kind, res.Err.Message)
	}
	return res.Value
}

func fieldIDs(v any) []string {
	fs := v.([]*fieldmodel.Field)
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}

func TestUnknownCommand(t *testing.T) {
	s, obs := newTestSession(t, sampleDoc(t))
	res := s.Run(context.Background(), "Document.explode", nil)
	if res.Err == nil || res.Err.Kind != apperr.KindUnknownCommand {
		t.Fatalf("err = %+v, want UnknownCommand", res.Err)
	}
	payload, _ := json.Marshal(res.Payload())
	if !strings.Contains(string(payload), `"error":{"kind":"UnknownCommand"`) {
		t.Errorf("payload = %s", payload)
	}
	if obs.count() != 1 {
		t.Errorf("completions = %d, want 1", obs.count())
	}
}

func TestGetFieldsStableAcrossTransactions(t *testing.T) {
	d := sampleDoc(t)
	s, obs := newTestSession(t, d)
	first := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if len(first) != 2 {
		t.Fatalf("fields = %v", first)
	}
	if s.Carried() == 0 {
		t.Error("field proxies should be carried")
	}
	second := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("ids = %v, want %v", second, first)
	}
	if text := mustRun(t, s, "Field.getText", first[1]); text != "B" {
		t.Errorf("text = %v", text)
	}
	if obs.count() != 3 {
		t.Errorf("completions = %d, want 3", obs.count())
	}
	if obs.txs[0].Rounds == 0 || obs.txs[0].FieldCount != 2 {
		t.Errorf("first tx = %+v", obs.txs[0])
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestFailedTransactionReleases(t *testing.T) {
	d := sampleDoc(t)
	s, obs := newTestSession(t, d)
	mustRun(t, s, "Document.getFields", FieldType)

	d.FailNext("GeneralException: simulated")
	res := s.Run(context.Background(), "Document.getDocumentData", nil)
	if res.Err == nil || res.Err.Kind != apperr.KindGatewayFault {
		t.Fatalf("err = %+v, want GatewayFault", res.Err)
	}
	if res.Err.Trace == "" {
		t.Error("trace should be filled")
	}
	if obs.count() != 2 {
		t.Errorf("completions = %d, want 2", obs.count())
	}
	if d.Corrupted() != nil {
		t.Errorf("tracked proxies leaked: %v", d.Corrupted())
	}
	if d.OpenChannels() != 0 {
		t.Errorf("open channels = %d", d.OpenChannels())
	}
	if s.Carried() != 0 {
		t.Error("a fault should drop carried proxies")
	}
	if !obs.txs[1].Invalidated {
		t.Error("a fault should invalidate the field list")
	}
	// The next transaction rebuilds from scratch.
	if ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType)); len(ids) != 2 {
		t.Errorf("rebuilt fields = %v", ids)
	}
}

// panicHost panics on the first exchange after arm.
type panicHost struct {
	*memdoc.Document
	mu    sync.Mutex
	armed bool
}

type panicChannel struct {
	gateway.Channel
	h *panicHost
}

func (h *panicHost) Attach(ctx context.Context, carried []gateway.ProxyID) (gateway.Channel, error) {
	ch, err := h.Document.Attach(ctx, carried)
	if err != nil {
		return nil, err
	}
	return panicChannel{Channel: ch, h: h}, nil
}

func (c panicChannel) Exchange(ctx context.Context, ops []gateway.Op) ([]gateway.OpResult, error) {
	c.h.mu.Lock()
	armed := c.h.armed
	c.h.armed = false
	c.h.mu.Unlock()
	if armed {
		panic("host crashed")
	}
	return c.Channel.Exchange(ctx, ops)
}

func TestPanicStillReleases(t *testing.T) {
	d := sampleDoc(t)
	h := &panicHost{Document: d}
	s, obs := newTestSession(t, h)
	mustRun(t, s, "Document.getFields", FieldType)

	h.armed = true
	res := s.Run(context.Background(), "Document.getDocumentData", nil)
	if res.Err == nil || res.Err.Kind != apperr.KindInternal {
		t.Fatalf("err = %+v, want InternalError", res.Err)
	}
	if obs.count() != 2 {
		t.Errorf("completions = %d, want 2", obs.count())
	}
	if d.Corrupted() != nil {
		t.Errorf("tracked proxies leaked: %v", d.Corrupted())
	}
}

func TestInsertedFieldKeepsID(t *testing.T) {
	d := sampleDoc(t)
	s, _ := newTestSession(t, d)
	mustRun(t, s, "Document.getFields", FieldType)

	inserted := mustRun(t, s, "Document.insertField", FieldType, 0).(*fieldmodel.Field)
	mustRun(t, s, "Field.setCode", inserted.ID, "ITEM CSL_CITATION {}")
	mustRun(t, s, "Field.setText", inserted.ID, "(New)", false)

	ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if len(ids) != 3 {
		t.Fatalf("fields = %v, want 3", ids)
	}
	if ids[1] != inserted.ID {
		t.Errorf("ids = %v, inserted %s should be second", ids, inserted.ID)
	}
	if c := mustRun(t, s, "Field.getCode", inserted.ID); c != "ADDIN ZOTERO_ITEM CSL_CITATION {}" {
		t.Errorf("code = %v", c)
	}
	if got := d.Fields()[1].Text; got != "(New)" {
		t.Errorf("document text = %q", got)
	}
}

func TestCursorInFieldUnifies(t *testing.T) {
	d := sampleDoc(t)
	d.SetCaret(0)
	s, _ := newTestSession(t, d)
	f, ok := mustRun(t, s, "Document.cursorInField", FieldType).(*fieldmodel.Field)
	if !ok || f.Text != "(A)" {
		t.Fatalf("cursor field = %v", f)
	}
	ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if len(ids) != 2 || ids[0] != f.ID {
		t.Errorf("ids = %v, want %s first", ids, f.ID)
	}
	if eq := mustRun(t, s, "Field.equals", ids[0], f.ID); eq != true {
		t.Error("field should equal itself")
	}

	d.SetCaret(1)
	if v := mustRun(t, s, "Document.cursorInField", FieldType); v != nil {
		t.Errorf("caret on text = %v, want nil", v)
	}
}

func TestDeleteFieldRemovesBlankNote(t *testing.T) {
	d := sampleDoc(t)
	s, _ := newTestSession(t, d)
	ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if idx := mustRun(t, s, "Field.getNoteIndex", ids[1]); idx != 1 {
		t.Errorf("note index = %v", idx)
	}
	mustRun(t, s, "Field.delete", ids[1])
	if n := d.NoteCount(gateway.NoteFootnote); n != 0 {
		t.Errorf("footnotes = %d, want 0", n)
	}
	if got := fieldIDs(mustRun(t, s, "Document.getFields", FieldType)); len(got) != 1 {
		t.Errorf("fields after delete = %v", got)
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestConvertRoundTrip(t *testing.T) {
	d := sampleDoc(t)
	s, _ := newTestSession(t, d)
	ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	mustRun(t, s, "Document.convert", []string{ids[0]}, FieldType, []int{1})
	if n := d.NoteCount(gateway.NoteFootnote); n != 2 {
		t.Fatalf("footnotes = %d, want 2", n)
	}
	ids = fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	mustRun(t, s, "Document.convert", ids, FieldType, []int{0, 0})
	if n := d.NoteCount(gateway.NoteFootnote); n != 0 {
		t.Errorf("footnotes = %d, want 0 after moving fields inline", n)
	}
	if fs := d.Fields(); len(fs) != 2 || fs[0].NoteType != gateway.NoteNone || fs[1].NoteType != gateway.NoteNone {
		t.Errorf("fields = %+v", fs)
	}
}

func sharedNoteDoc(t *testing.T) *memdoc.Document {
	t.Helper()
	d := memdoc.New("doc-1")
	err := d.Load(memdoc.Fixture{Body: []memdoc.FixtureItem{
		memdoc.FieldItem(code(1), "(A)"),
		memdoc.FootnoteItem(memdoc.FieldItem(code(2), "B"), memdoc.FieldItem(code(3), "C")),
		memdoc.FieldItem(code(4), "(D)"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestConvertFieldsSharingNote(t *testing.T) {
	d := sharedNoteDoc(t)
	s, _ := newTestSession(t, d)
	ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if len(ids) != 4 {
		t.Fatalf("fields = %v", ids)
	}
	mustRun(t, s, "Document.convert", []string{ids[1], ids[2]}, FieldType, []int{0, 0})
	if n := d.NoteCount(gateway.NoteFootnote); n != 0 {
		t.Errorf("footnotes = %d, want 0", n)
	}
	for i, f := range d.Fields() {
		if f.NoteType != gateway.NoteNone {
			t.Errorf("field %d note type = %q, want inline", i, f.NoteType)
		}
	}
	if got := fieldIDs(mustRun(t, s, "Document.getFields", FieldType)); fmt.Sprint(got) != fmt.Sprint(ids) {
		t.Errorf("ids after convert = %v, want %v", got, ids)
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestBlankNoteNamedTwiceDeletedOnce(t *testing.T) {
	d := sharedNoteDoc(t)
	s, _ := newTestSession(t, d)
	ctx := context.Background()
	_, err := s.transact(ctx, CmdConvert, "tx-1", func(ctx context.Context, tx *txn) (any, error) {
		fs, err := s.model.Fields(ctx, tx.tr)
		if err != nil {
			return nil, err
		}
		// Fields adopted from outside the list reach their note through a
		// proxy of their own.
		var notes []gateway.Proxy
		for _, f := range fs[1:3] {
			o := s.model.Adopt(tx.tr, f.Proxy(), f.Code, f.Text, f.NoteType)
			notes = append(notes, s.noteProxy(tx, o))
			tx.conn.QueueMutate(o.Proxy(), gateway.MutConvert, gateway.NoteNone)
		}
		if notes[0] == notes[1] {
			t.Fatal("note proxies should differ")
		}
		if err := tx.conn.Flush(ctx); err != nil {
			return nil, err
		}
		s.model.Invalidate()
		return nil, s.deleteBlankNotes(ctx, tx, notes)
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if n := d.NoteCount(gateway.NoteFootnote); n != 0 {
		t.Errorf("footnotes = %d, want 0", n)
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestIDsSurviveStructuralChange(t *testing.T) {
	d := sharedNoteDoc(t)
	s, _ := newTestSession(t, d)
	ids := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))

	mustRun(t, s, "Field.delete", ids[0])
	mustRun(t, s, "Field.setText", ids[3], "(Z)", false)
	if c := mustRun(t, s, "Field.getCode", ids[1]); c != code(2) {
		t.Errorf("code = %v, want %s", c, code(2))
	}
	if idx := mustRun(t, s, "Field.getNoteIndex", ids[2]); idx != 1 {
		t.Errorf("note index = %v, want 1", idx)
	}

	mustRun(t, s, "Field.removeCode", ids[1])
	if text := mustRun(t, s, "Field.getText", ids[2]); text != "C" {
		t.Errorf("text = %v, want C", text)
	}
	got := fieldIDs(mustRun(t, s, "Document.getFields", FieldType))
	if want := []string{ids[2], ids[3]}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", got, want)
	}
	res := s.Run(context.Background(), "Field.getText", args(ids[0]))
	if res.Err == nil || res.Err.Kind != apperr.KindNotFound {
		t.Errorf("deleted field = %+v, want NotFound", res.Err)
	}
	if fs := d.Fields(); fs[len(fs)-1].Text != "(Z)" {
		t.Errorf("document fields = %+v", fs)
	}
	if d.Corrupted() != nil {
		t.Errorf("corrupted: %v", d.Corrupted())
	}
}

func TestDisplayAlertArguments(t *testing.T) {
	s, _ := newTestSession(t, sampleDoc(t))
	if b := mustRun(t, s, "Document.displayAlert", "hi"); b != DismissedButton {
		t.Errorf("alert with defaults = %v", b)
	}
	if b := mustRun(t, s, "Document.displayAlert", "hi", nil, 1); b != DismissedButton {
		t.Errorf("alert with null icon = %v", b)
	}
	res := s.Run(context.Background(), "Document.displayAlert", args("hi", 0, "two"))
	if res.Err == nil || res.Err.Kind != apperr.KindInvalidArgs {
		t.Errorf("malformed buttons = %+v, want InvalidArguments", res.Err)
	}
}

func TestDocumentCommands(t *testing.T) {
	d := sampleDoc(t)
	s, _ := newTestSession(t, d)
	doc := mustRun(t, s, "Application.getActiveDocument").(ActiveDocument)
	if doc.DocumentID != "doc-1" || len(doc.SupportedNotes) != 2 {
		t.Errorf("active document = %+v", doc)
	}
	mustRun(t, s, "Document.setDocumentData", "<data/>")
	if got := mustRun(t, s, "Document.getDocumentData"); got != "<data/>" {
		t.Errorf("data = %v", got)
	}
	if ok := mustRun(t, s, "Document.canInsertField", "Bookmark"); ok != false {
		t.Error("bookmarks are not supported")
	}
	if b := mustRun(t, s, "Document.displayAlert", "hi", 0, 0); b != DismissedButton {
		t.Errorf("alert without alerter = %v", b)
	}
	res := s.Run(context.Background(), "Field.getText", args("missing"))
	if res.Err == nil || res.Err.Kind != apperr.KindNotFound {
		t.Errorf("missing field = %+v", res.Err)
	}
	res = s.Run(context.Background(), "Document.setDocumentData", nil)
	if res.Err == nil || res.Err.Kind != apperr.KindInvalidArgs {
		t.Errorf("missing argument = %+v", res.Err)
	}
}

type scriptedRelay struct {
	next      []*Request
	responses []string
	busyAt    int
	execBusy  int
	execErr   error
}

func (r *scriptedRelay) Respond(_ context.Context, payload any) (*Request, error) {
	data, _ := json.Marshal(payload)
	r.responses = append(r.responses, string(data))
	if r.busyAt > 0 && len(r.responses) == r.busyAt {
		return nil, apperr.Busy("busy")
	}
	if len(r.next) == 0 {
		return nil, nil
	}
	req := r.next[0]
	r.next = r.next[1:]
	return req, nil
}

func (r *scriptedRelay) Exec(_ context.Context, command, docID string) (*Request, error) {
	if r.execErr != nil {
		return nil, r.execErr
	}
	if r.execBusy > 0 {
		r.execBusy--
		return nil, apperr.Busy("controller busy")
	}
	return &Request{Command: "Application.getActiveDocument"}, nil
}

func TestServeUntilComplete(t *testing.T) {
	s, obs := newTestSession(t, sampleDoc(t))
	relay := &scriptedRelay{next: []*Request{
		{Command: "Document.getDocumentData"},
		{Command: "Document.nope"},
		{Command: "Document.complete"},
		{Command: "Document.getDocumentData"},
	}}
	err := s.Serve(context.Background(), relay, &Request{Command: "Application.getActiveDocument"})
	if err != nil {
		t.Fatal(err)
	}
	if len(relay.responses) != 3 {
		t.Fatalf("responses = %v", relay.responses)
	}
	if !strings.Contains(relay.responses[2], "UnknownCommand") {
		t.Errorf("unknown command response = %s", relay.responses[2])
	}
	if obs.count() != 4 {
		t.Errorf("completions = %d, want 4", obs.count())
	}
	if len(relay.next) != 1 {
		t.Error("loop should stop at the completion command")
	}
}

type recordingAlerter struct{ texts []string }

func (a *recordingAlerter) Display(_ context.Context, text string, _, _ int) (int, error) {
	a.texts = append(a.texts, text)
	return 0, nil
}

func TestControllerRetriesBusy(t *testing.T) {
	s, _ := newTestSession(t, sampleDoc(t))
	relay := &scriptedRelay{execBusy: 2, next: []*Request{{Command: "Document.complete"}}}
	c := NewController(s, relay, nil, 5, 0)
	if err := c.Exec(context.Background(), "addEditCitation", ""); err != nil {
		t.Fatal(err)
	}
	if len(relay.responses) != 1 {
		t.Errorf("responses = %v", relay.responses)
	}
}

func TestControllerOfflineAlerts(t *testing.T) {
	s, _ := newTestSession(t, sampleDoc(t))
	alerts := &recordingAlerter{}
	relay := &scriptedRelay{execErr: apperr.Transport(errors.New("connection refused"), "exec")}
	c := NewController(s, relay, alerts, 3, 0)
	err := c.Exec(context.Background(), "refresh", "doc-1")
	if !apperr.Is(err, apperr.KindTransport) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if len(alerts.texts) != 1 || alerts.texts[0] != OfflineMessage {
		t.Errorf("alerts = %v", alerts.texts)
	}
}

func TestControllerBusyExhausted(t *testing.T) {
	s, _ := newTestSession(t, sampleDoc(t))
	alerts := &recordingAlerter{}
	relay := &scriptedRelay{execBusy: 10}
	c := NewController(s, relay, alerts, 2, 0)
	if err := c.Exec(context.Background(), "refresh", "doc-1"); !apperr.Is(err, apperr.KindBusy) {
		t.Errorf("err = %v, want BusyError", err)
	}
	if len(alerts.texts) != 0 {
		t.Error("busy must not alert")
	}
}

func TestCommandTable(t *testing.T) {
	for _, name := range CommandNames() {
		c, err := ParseCommand(name)
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", name, err)
		}
		if c.String() != name {
			t.Errorf("String() = %q, want %q", c.String(), name)
		}
	}
	s := New(testEnv(), memdoc.New("x"))
	for c := range commandNames {
		if s.table[c] == nil {
			t.Errorf("no handler for %s", c)
		}
	}
}
