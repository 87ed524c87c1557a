// Package relay talks to the citation manager's connector endpoints: it
// starts controller commands and carries session results back.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/session"
)

// Connector paths.
const (
	ExecPath    = "/connector/document/execCommand"
	RespondPath = "/connector/document/respond"
)

// ExecRequest starts a controller command for a document.
type ExecRequest struct {
	Command string `json:"command"`
	DocID   string `json:"docId"`
}

// Validate validates the exec request.
func (r *ExecRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Command, validation.Required),
		validation.Field(&r.DocID, validation.Required),
	)
}

// Client is an HTTP relay. It implements session.Starter.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

var _ session.Starter = (*Client)(nil)

// New returns a client for the connector at baseURL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Exec starts command and returns the controller's first request.
func (c *Client) Exec(ctx context.Context, command, docID string) (*session.Request, error) {
	req := &ExecRequest{Command: command, DocID: docID}
	if err := req.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgs, err, "relay: exec")
	}
	return c.post(ctx, ExecPath, req)
}

// Respond relays a result and returns the next request, or nil.
func (c *Client) Respond(ctx context.Context, payload any) (*session.Request, error) {
	return c.post(ctx, RespondPath, payload)
}

func (c *Client) post(ctx context.Context, path string, body any) (*session.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relay: encode %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("relay: build %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Transport(err, "relay: %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport(err, "relay: read %s", path)
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, apperr.Busy("relay: %s: controller busy", path)
	case resp.StatusCode >= 300:
		return nil, apperr.New(apperr.KindTransport, "relay: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		c.logger.Debug("relay: no further command", slog.String("path", path))
		return nil, nil
	}
	var next session.Request
	if err := json.Unmarshal(trimmed, &next); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "relay: decode %s", path)
	}
	if err := validation.ValidateStruct(&next, validation.Field(&next.Command, validation.Required)); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgs, err, "relay: %s", path)
	}
	c.logger.Debug("relay: next command", slog.String("command", next.Command))
	return &next, nil
}
