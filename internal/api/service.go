package api

import (
	"context"
	"encoding/json"

	"github.com/zotero/zotero-word-js-integration/internal/alert"
	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/journal"
	"github.com/zotero/zotero-word-js-integration/internal/session"
)

// Document is a document whose whole content can be swapped, such as the
// in-memory document behind the fixture gateway.
type Document interface {
	Fixture() memdoc.Fixture
	Load(f memdoc.Fixture) error
}

// Service coordinates the session, controller, journal and alerts for the
// API layer.
type Service struct {
	session *session.Session
	ctrl    *session.Controller
	journal *journal.DB
	alerts  *alert.Hub
	doc     Document
}

// NewService creates a new API service. ctrl and doc may be nil when no
// relay or no replaceable document is configured.
func NewService(s *session.Session, ctrl *session.Controller, jr *journal.DB, alerts *alert.Hub, doc Document) *Service {
	return &Service{session: s, ctrl: ctrl, journal: jr, alerts: alerts, doc: doc}
}

// Run executes one session command.
func (s *Service) Run(ctx context.Context, name string, args []json.RawMessage) session.Result {
	return s.session.Run(ctx, name, args)
}

// Exec starts a controller command for the document.
func (s *Service) Exec(ctx context.Context, command, docID string) error {
	if s.ctrl == nil {
		return apperr.New(apperr.KindTransport, "no relay configured")
	}
	return s.ctrl.Exec(ctx, command, docID)
}

// Fields returns the current field list.
func (s *Service) Fields(ctx context.Context) ([]*fieldmodel.Field, error) {
	return s.session.Fields(ctx)
}

// Transactions lists the most recent journaled transactions.
func (s *Service) Transactions(ctx context.Context, limit int) ([]journal.Entry, error) {
	return s.journal.List(ctx, limit)
}

// Transaction returns one journaled transaction.
func (s *Service) Transaction(ctx context.Context, id string) (journal.Entry, error) {
	return s.journal.Get(ctx, id)
}

// SearchTransactions searches the failure messages of the journal.
func (s *Service) SearchTransactions(query string, limit int) ([]journal.SearchResult, error) {
	return s.journal.Search(query, limit)
}

// Failures counts failed transactions per error kind.
func (s *Service) Failures(ctx context.Context) (map[string]int, error) {
	return s.journal.Failures(ctx)
}

// Alerts lists alerts waiting for an answer.
func (s *Service) Alerts() []alert.Alert {
	return s.alerts.Open()
}

// Answer presses a button on an open alert.
func (s *Service) Answer(id string, button int) error {
	return s.alerts.Answer(id, button)
}

// Fixture returns the document content.
func (s *Service) Fixture() (memdoc.Fixture, error) {
	if s.doc == nil {
		return memdoc.Fixture{}, apperr.Wrap(apperr.KindNotFound, apperr.ErrNotFound, "no replaceable document")
	}
	return s.doc.Fixture(), nil
}

// LoadFixture replaces the document content and drops the cached fields.
func (s *Service) LoadFixture(f memdoc.Fixture) error {
	if s.doc == nil {
		return apperr.Wrap(apperr.KindNotFound, apperr.ErrNotFound, "no replaceable document")
	}
	if err := s.doc.Load(f); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgs, err, "load fixture")
	}
	s.session.Invalidate()
	return nil
}
