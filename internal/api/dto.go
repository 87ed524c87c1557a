package api

import (
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/zotero/zotero-word-js-integration/internal/alert"
	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/journal"
)

// CommandRequest is the request body for running a session command.
type CommandRequest struct {
	Args []json.RawMessage `json:"args"`
}

// ExecRequest is the request body for starting a controller command.
type ExecRequest struct {
	DocID string `json:"docId,omitempty" example:"doc-1"`
}

// AnswerRequest is the request body for answering an alert.
type AnswerRequest struct {
	Button *int `json:"button" example:"0"`
}

// Validate validates the answer request.
func (r AnswerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Button, validation.NotNil, validation.Min(alert.Dismissed)),
	)
}

// CommandResponse carries a session result. Failures travel in the same
// body as {"error": {...}}.
type CommandResponse struct {
	TxID    string `json:"txId"`
	Command string `json:"command"`
	Result  any    `json:"result"`
}

// FieldsResponse wraps the field list.
type FieldsResponse struct {
	Fields    []*fieldmodel.Field `json:"fields"`
	Summaries []string            `json:"summaries"`
}

// TransactionsResponse wraps journal entries.
type TransactionsResponse struct {
	Transactions []journal.Entry `json:"transactions"`
}

// SearchResponse wraps journal search hits.
type SearchResponse struct {
	Results []journal.SearchResult `json:"results"`
}

// AlertsResponse wraps the open alerts.
type AlertsResponse struct {
	Alerts []alert.Alert `json:"alerts"`
}
