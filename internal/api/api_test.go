package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/alert"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/session"
	"github.com/zotero/zotero-word-js-integration/internal/sessionctx"
	"github.com/zotero/zotero-word-js-integration/internal/testutil"
)

func code(n int) string { return fmt.Sprintf(`ADDIN ZOTERO_ITEM CSL_CITATION {"n":%d}`, n) }

type chanNotifier chan alert.Alert

func (c chanNotifier) AlertOpened(a alert.Alert) { c <- a }

// completingRelay hands back Document.complete for every exec.
type completingRelay struct {
	execs []string
}

func (r *completingRelay) Exec(_ context.Context, command, docID string) (*session.Request, error) {
	r.execs = append(r.execs, command+"@"+docID)
	return &session.Request{Command: "Document.complete"}, nil
}

func (r *completingRelay) Respond(context.Context, any) (*session.Request, error) {
	return nil, nil
}

type testEnv struct {
	doc    *memdoc.Document
	hub    *alert.Hub
	opened chanNotifier
	relay  *completingRelay
	router http.Handler
}

func newTestEnv(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) *testEnv {
	t.Helper()
	logger := testutil.Logger()
	doc := testutil.TestDocument(t, memdoc.Fixture{ID: "doc-1", Body: []memdoc.FixtureItem{
		memdoc.FieldItem(code(1), "(A)"),
		memdoc.TextItem(" middle "),
		memdoc.FootnoteItem(memdoc.FieldItem(code(2), "B")),
	}})
	jr := testutil.TestJournal(t)

	n := 0
	opened := make(chanNotifier, 1)
	hub := alert.NewHub(time.Second, opened, func() string { n++; return fmt.Sprintf("a%d", n) })

	env := sessionctx.New(logger, "", []string{gateway.NoteFootnote, gateway.NoteEndnote})
	s := session.New(env, doc, session.WithObserver(jr), session.WithAlerter(hub))
	relay := &completingRelay{}
	ctrl := session.NewController(s, relay, hub, 1, time.Millisecond)

	svc := NewService(s, ctrl, jr, hub, doc)
	return &testEnv{
		doc:    doc,
		hub:    hub,
		opened: opened,
		relay:  relay,
		router: NewRouter(svc, env.FieldPrefix, authEnabled, token, sseHandler),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRunCommandAndJournal(t *testing.T) {
	e := newTestEnv(t, false, "", nil)

	w := e.do(t, http.MethodPost, "/commands/Document.getFields", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		TxID   string            `json:"txId"`
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Result) != 2 {
		t.Errorf("fields = %d, want 2", len(resp.Result))
	}
	if w.Header().Get("X-Transaction-ID") != resp.TxID || resp.TxID == "" {
		t.Errorf("tx header = %q, body = %q", w.Header().Get("X-Transaction-ID"), resp.TxID)
	}

	w = e.do(t, http.MethodGet, "/transactions", nil)
	var list TransactionsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Transactions) != 1 || list.Transactions[0].ID != resp.TxID {
		t.Fatalf("transactions = %+v", list.Transactions)
	}
	if list.Transactions[0].FieldCount != 2 {
		t.Errorf("fieldCount = %d, want 2", list.Transactions[0].FieldCount)
	}

	w = e.do(t, http.MethodGet, "/transactions/"+resp.TxID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get transaction = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/transactions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing transaction = %d, want 404", w.Code)
	}
}

func TestRunCommandErrorsTravelInBody(t *testing.T) {
	e := newTestEnv(t, false, "", nil)

	w := e.do(t, http.MethodPost, "/commands/Document.frobnicate", map[string]any{"args": []any{}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Result struct {
			Error struct {
				Kind string `json:"kind"`
			} `json:"error"`
		} `json:"result"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Result.Error.Kind != "UnknownCommand" {
		t.Errorf("body = %s", w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/transactions/failures", nil)
	if !strings.Contains(w.Body.String(), `"UnknownCommand":1`) {
		t.Errorf("failures = %s", w.Body.String())
	}
}

func TestRunCommandInvalidJSON(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/commands/Document.getFields", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

type fieldsBody struct {
	Fields []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		NoteIndex int    `json:"noteIndex"`
	} `json:"fields"`
	Summaries []string `json:"summaries"`
}

func TestListFields(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	w := e.do(t, http.MethodGet, "/fields", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp fieldsBody
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Fields) != 2 || len(resp.Summaries) != 2 {
		t.Fatalf("resp = %s", w.Body.String())
	}
	if !strings.HasPrefix(resp.Summaries[0], "ITEM CSL_CITATION") {
		t.Errorf("summary = %q", resp.Summaries[0])
	}
	if resp.Fields[1].NoteIndex != 1 {
		t.Errorf("noteIndex = %d, want 1", resp.Fields[1].NoteIndex)
	}
}

func TestExec(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	w := e.do(t, http.MethodPost, "/exec/addEditCitation", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(e.relay.execs) != 1 || e.relay.execs[0] != "addEditCitation@doc-1" {
		t.Errorf("execs = %v", e.relay.execs)
	}

	w = e.do(t, http.MethodPost, "/exec/refresh", ExecRequest{DocID: "other"})
	if w.Code != http.StatusNoContent || e.relay.execs[1] != "refresh@other" {
		t.Errorf("status = %d, execs = %v", w.Code, e.relay.execs)
	}
}

func TestAnswerAlert(t *testing.T) {
	e := newTestEnv(t, false, "", nil)

	done := make(chan int, 1)
	go func() {
		b, _ := e.hub.Display(context.Background(), "Continue?", 0, 1)
		done <- b
	}()
	a := <-e.opened

	w := e.do(t, http.MethodGet, "/alerts", nil)
	if !strings.Contains(w.Body.String(), `"Continue?"`) {
		t.Errorf("alerts = %s", w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/alerts/"+a.ID, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing button = %d, want 400", w.Code)
	}
	w = e.do(t, http.MethodPost, "/alerts/"+a.ID, map[string]int{"button": 1})
	if w.Code != http.StatusNoContent {
		t.Fatalf("answer = %d, body = %s", w.Code, w.Body.String())
	}
	if b := <-done; b != 1 {
		t.Errorf("button = %d, want 1", b)
	}

	w = e.do(t, http.MethodPost, "/alerts/"+a.ID, map[string]int{"button": 0})
	if w.Code != http.StatusNotFound {
		t.Errorf("answer closed alert = %d, want 404", w.Code)
	}
}

func uploadFixture(t *testing.T, router http.Handler, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "doc.yaml")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, strings.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/document", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLoadAndExportDocument(t *testing.T) {
	e := newTestEnv(t, false, "", nil)

	// Warm the field cache so the upload has something to invalidate.
	if w := e.do(t, http.MethodGet, "/fields", nil); w.Code != http.StatusOK {
		t.Fatalf("fields = %d", w.Code)
	}

	fixture := `
id: doc-9
body:
  - text: "Intro "
  - field: {code: "ADDIN ZOTERO_ITEM CSL_CITATION {}", text: "(X)"}
`
	if w := uploadFixture(t, e.router, fixture); w.Code != http.StatusNoContent {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	if e.doc.ID() != "doc-9" {
		t.Errorf("id = %q, want doc-9", e.doc.ID())
	}

	w := e.do(t, http.MethodGet, "/fields", nil)
	var resp fieldsBody
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Fields) != 1 || resp.Fields[0].Text != "(X)" {
		t.Errorf("fields after load = %s", w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/document", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "id: doc-9") {
		t.Errorf("export = %d, %s", w.Code, w.Body.String())
	}
}

func TestLoadDocumentRejectsBadFixture(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	if w := uploadFixture(t, e.router, "body: [ {"); w.Code != http.StatusBadRequest {
		t.Errorf("bad yaml = %d, want 400", w.Code)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("wrong", "data")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/document", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing field = %d, want 400", w.Code)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	if w := e.do(t, http.MethodGet, "/transactions/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestListCommands(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	w := e.do(t, http.MethodGet, "/commands", nil)
	if !strings.Contains(w.Body.String(), `"Field.setCode"`) {
		t.Errorf("commands = %s", w.Body.String())
	}
}

// Auth tests.

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := newTestEnv(t, true, "secret", nil)
	req := httptest.NewRequest(http.MethodGet, "/commands", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := newTestEnv(t, true, "secret", nil)
	if w := e.do(t, http.MethodGet, "/fields", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := newTestEnv(t, true, "secret", nil)
	req := httptest.NewRequest(http.MethodPost, "/commands/Document.getFields", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	e := newTestEnv(t, false, "", nil)
	if w := e.do(t, http.MethodGet, "/commands", nil); w.Code != http.StatusOK {
		t.Errorf("disabled auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func sseStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := newTestEnv(t, true, "secret", sseStub())
	if w := e.do(t, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	e := newTestEnv(t, true, "tok", sseStub())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
