package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, prefix string, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc, prefix)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Session.
	r.Get("/commands", h.ListCommands)
	r.Post("/commands/{name}", h.RunCommand)
	r.Post("/exec/{command}", h.Exec)
	r.Get("/fields", h.ListFields)

	// Journal.
	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/search", h.SearchTransactions)
	r.Get("/transactions/failures", h.Failures)
	r.Get("/transactions/{id}", h.GetTransaction)

	// Alerts.
	r.Get("/alerts", h.ListAlerts)
	r.Post("/alerts/{id}", h.AnswerAlert)

	// Document fixture.
	r.Get("/document", h.GetDocument)
	r.Post("/document", h.LoadDocument)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
