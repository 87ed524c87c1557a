package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
	Kind  string `json:"kind,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps a classified error to its HTTP status.
func writeError(w http.ResponseWriter, op string, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case kind == apperr.KindNotFound:
		status = http.StatusNotFound
	case kind == apperr.KindInvalidArgs, kind == apperr.KindUnknownCommand:
		status = http.StatusBadRequest
	case kind == apperr.KindBusy:
		status = http.StatusServiceUnavailable
	case kind == apperr.KindTransport, kind == apperr.KindGatewayFault:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errResponse{Error: "internal error", Kind: string(kind)})
		return
	}
	writeJSON(w, status, errResponse{Error: err.Error(), Kind: string(kind)})
}
