package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/journal"
	"github.com/zotero/zotero-word-js-integration/internal/session"
)

const maxFixtureBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc    *Service
	prefix string
}

// NewHandler creates a new Handler. prefix is the field code marker used to
// summarise fields.
func NewHandler(svc *Service, prefix string) *Handler {
	return &Handler{svc: svc, prefix: prefix}
}

// ListCommands handles GET /api/commands.
//
//	@Summary		List the commands a session accepts
//	@Tags			session
//	@Produce		json
//	@Success		200	{object}	map[string][]string
//	@Security		BearerAuth
//	@Router			/commands [get]
func (h *Handler) ListCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": session.CommandNames()})
}

// RunCommand handles POST /api/commands/{name}.
//
//	@Summary		Run one session command
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			name	path		string			true	"Command name"	example(Document.getFields)
//	@Param			body	body		CommandRequest	false	"Positional arguments"
//	@Success		200		{object}	CommandResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/commands/{name} [post]
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	name := chi.URLParam(r, "name")

	var req CommandRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}

	res := h.svc.Run(r.Context(), name, req.Args)
	w.Header().Set("X-Transaction-ID", res.TxID)
	writeJSON(w, http.StatusOK, CommandResponse{TxID: res.TxID, Command: res.Command, Result: res.Payload()})
}

// Exec handles POST /api/exec/{command}.
//
//	@Summary		Ask the citation manager to run a command on the document
//	@Tags			session
//	@Accept			json
//	@Param			command	path	string		true	"Controller command"	example(addEditCitation)
//	@Param			body	body	ExecRequest	false	"Target document"
//	@Success		204		"Session finished"
//	@Failure		502		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/exec/{command} [post]
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	var req ExecRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	if err := h.svc.Exec(r.Context(), command, req.DocID); err != nil {
		writeError(w, "exec", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFields handles GET /api/fields.
//
//	@Summary		List the document's fields in document order
//	@Tags			fields
//	@Produce		json
//	@Success		200	{object}	FieldsResponse
//	@Security		BearerAuth
//	@Router			/fields [get]
func (h *Handler) ListFields(w http.ResponseWriter, r *http.Request) {
	fields, err := h.svc.Fields(r.Context())
	if err != nil {
		writeError(w, "list fields", err)
		return
	}
	if fields == nil {
		fields = []*fieldmodel.Field{}
	}
	writeJSON(w, http.StatusOK, FieldsResponse{Fields: fields, Summaries: fieldmodel.Summaries(fields, h.prefix)})
}

// ListTransactions handles GET /api/transactions.
//
//	@Summary		List recent transactions, newest first
//	@Tags			journal
//	@Produce		json
//	@Param			limit	query		int	false	"Max entries"
//	@Success		200		{object}	TransactionsResponse
//	@Security		BearerAuth
//	@Router			/transactions [get]
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.Transactions(r.Context(), limit)
	if err != nil {
		writeError(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: entries})
}

// GetTransaction handles GET /api/transactions/{id}.
//
//	@Summary		Get one transaction
//	@Tags			journal
//	@Produce		json
//	@Param			id	path		string	true	"Transaction id"
//	@Success		200	{object}	journal.Entry
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/transactions/{id} [get]
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// SearchTransactions handles GET /api/transactions/search.
//
//	@Summary		Search failure messages
//	@Tags			journal
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/transactions/search [get]
func (h *Handler) SearchTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.SearchTransactions(q, limit)
	if err != nil {
		writeError(w, "search transactions", err)
		return
	}
	if results == nil {
		results = []journal.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Failures handles GET /api/transactions/failures.
func (h *Handler) Failures(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Failures(r.Context())
	if err != nil {
		writeError(w, "failures", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": counts})
}

// ListAlerts handles GET /api/alerts.
//
//	@Summary		List alerts waiting for an answer
//	@Tags			alerts
//	@Produce		json
//	@Success		200	{object}	AlertsResponse
//	@Security		BearerAuth
//	@Router			/alerts [get]
func (h *Handler) ListAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: h.svc.Alerts()})
}

// AnswerAlert handles POST /api/alerts/{id}.
//
//	@Summary		Press a button on an open alert
//	@Tags			alerts
//	@Accept			json
//	@Param			id		path	string			true	"Alert id"
//	@Param			body	body	AnswerRequest	true	"Button index, -1 to dismiss"
//	@Success		204		"Answered"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/alerts/{id} [post]
func (h *Handler) AnswerAlert(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := h.svc.Answer(chi.URLParam(r, "id"), *req.Button); err != nil {
		writeError(w, "answer alert", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDocument handles GET /api/document.
//
//	@Summary		Export the document as a YAML fixture
//	@Tags			document
//	@Produce		application/yaml
//	@Success		200	{string}	string
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document [get]
func (h *Handler) GetDocument(w http.ResponseWriter, _ *http.Request) {
	f, err := h.svc.Fixture()
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// LoadDocument handles POST /api/document (multipart/form-data, field "file").
//
//	@Summary		Replace the document with an uploaded YAML fixture
//	@Tags			document
//	@Accept			multipart/form-data
//	@Param			file	formData	file	true	"Fixture"
//	@Success		204		"Loaded"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/document [post]
func (h *Handler) LoadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFixtureBytes)

	if err := r.ParseMultipartForm(maxFixtureBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	var f memdoc.Fixture
	if err := yaml.NewDecoder(file).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid fixture: "+err.Error()))
		return
	}
	if err := h.svc.LoadFixture(f); err != nil {
		writeError(w, "load document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
