package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
)

// Request is one command sent by the controller.
type Request struct {
	Command string            `json:"command"`
	Args    []json.RawMessage `json:"arguments"`
}

// Relay carries a result back to the controller and returns its next
// command, or nil when it has nothing more to ask.
type Relay interface {
	Respond(ctx context.Context, payload any) (*Request, error)
}

// Starter is a Relay that can also start a controller command.
type Starter interface {
	Relay
	Exec(ctx context.Context, command, docID string) (*Request, error)
}

// Serve runs commands until the controller completes the session or stops
// asking. A busy relay ends the loop without error; the outer poll retries.
func (s *Session) Serve(ctx context.Context, relay Relay, first *Request) error {
	for req := first; req != nil; {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := s.Run(ctx, req.Command, req.Args)
		if res.Complete() {
			return nil
		}
		next, err := relay.Respond(ctx, res.Payload())
		if err != nil {
			if apperr.Is(err, apperr.KindBusy) {
				s.env.Logger.Info("session: relay busy, loop paused", slog.String("command", req.Command))
				return nil
			}
			return err
		}
		req = next
	}
	return nil
}

// Alert icon and button sets understood by the Alerter.
const (
	IconStop    = 0
	IconNotice  = 1
	IconCaution = 2

	ButtonsOK = 0
)

// OfflineMessage is shown when the controller cannot be reached.
const OfflineMessage = "The citation manager could not be reached. Make sure it is running and try again."

// Controller starts controller commands and serves the resulting session.
type Controller struct {
	session  *Session
	relay    Starter
	alerts   Alerter
	retries  uint
	interval time.Duration
	logger   *slog.Logger
}

// NewController wires a session to a relay. Busy answers are retried up to
// retries times, interval apart.
func NewController(s *Session, relay Starter, alerts Alerter, retries uint, interval time.Duration) *Controller {
	if retries == 0 {
		retries = 1
	}
	return &Controller{
		session:  s,
		relay:    relay,
		alerts:   alerts,
		retries:  retries,
		interval: interval,
		logger:   s.env.Logger,
	}
}

// Exec asks the controller to run command for docID, then serves the
// commands it sends back. An empty docID is read from the document.
func (c *Controller) Exec(ctx context.Context, command, docID string) error {
	if docID == "" {
		id, err := c.session.DocumentID(ctx)
		if err != nil {
			return err
		}
		docID = id
	}
	first, err := backoff.Retry(ctx, func() (*Request, error) {
		req, err := c.relay.Exec(ctx, command, docID)
		if err != nil && !apperr.Is(err, apperr.KindBusy) {
			return nil, backoff.Permanent(err)
		}
		return req, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.interval)),
		backoff.WithMaxTries(c.retries),
	)
	if err != nil {
		if apperr.Is(err, apperr.KindBusy) {
			c.logger.Info("controller: busy, giving up quietly", slog.String("command", command))
			return err
		}
		if apperr.Is(err, apperr.KindTransport) && c.alerts != nil {
			if _, alertErr := c.alerts.Display(ctx, OfflineMessage, IconStop, ButtonsOK); alertErr != nil {
				c.logger.Warn("controller: offline alert failed", slog.String("error", alertErr.Error()))
			}
		}
		return err
	}
	return c.session.Serve(ctx, c.relay, first)
}
