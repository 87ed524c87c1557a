// Package session runs controller commands against the document, one
// transaction per command.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/fieldmodel"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/sessionctx"
	"github.com/zotero/zotero-word-js-integration/internal/tracker"
)

// Alerter shows a modal alert and returns the index of the pressed button.
type Alerter interface {
	Display(ctx context.Context, text string, icon, buttons int) (int, error)
}

// DismissedButton is returned by an Alerter when no button was pressed.
const DismissedButton = -1

// Transaction describes one finished Run.
type Transaction struct {
	ID          string
	Command     string
	Kind        apperr.Kind
	Message     string
	FieldCount  int
	Rounds      int
	Invalidated bool
	StartedAt   time.Time
	Duration    time.Duration
}

// Observer receives the completion signal of every Run, exactly once.
type Observer interface {
	TransactionCompleted(ctx context.Context, tx Transaction)
}

// Result is what one Run produced: a value, or an error payload.
type Result struct {
	TxID     string
	Command  string
	Value    any
	Err      *apperr.Payload
	complete bool
}

// Complete reports whether the controller ended the session.
func (r Result) Complete() bool { return r.complete }

// Payload is the body relayed to the controller. Errors travel as
// {"error": {...}} on the same channel as results.
func (r Result) Payload() any {
	if r.Err != nil {
		return map[string]*apperr.Payload{"error": r.Err}
	}
	return r.Value
}

// completed is returned by the complete handler to end the loop.
type completed struct{}

type handler func(ctx context.Context, tx *txn, args []json.RawMessage) (any, error)

type txn struct {
	id   string
	cmd  Command
	tr   *tracker.Tracker
	conn *gateway.Conn
}

// Option configures a Session.
type Option func(*Session)

// WithAlerter sets where displayAlert goes. Without one every alert is
// dismissed.
func WithAlerter(a Alerter) Option {
	return func(s *Session) { s.alerts = a }
}

// WithObserver adds a completion observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// WithTimeout bounds the command itself. Releasing tracked proxies is not
// bounded by it.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithOutputFormat sets the format reported by getActiveDocument. An empty
// format keeps the default.
func WithOutputFormat(f string) Option {
	return func(s *Session) {
		if f != "" {
			s.outputFormat = f
		}
	}
}

// Session owns the field model and the proxies carried between
// transactions. Exactly one transaction runs at a time.
type Session struct {
	env          *sessionctx.Env
	host         gateway.Host
	model        *fieldmodel.Model
	alerts       Alerter
	observers    []Observer
	timeout      time.Duration
	outputFormat string
	table        map[Command]handler

	mu    sync.Mutex
	carry []gateway.Proxy
}

// New returns a session driving host.
func New(env *sessionctx.Env, host gateway.Host, opts ...Option) *Session {
	s := &Session{
		env:          env,
		host:         host,
		model:        fieldmodel.New(env),
		outputFormat: "html",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.table = s.handlers()
	return s
}

// Run executes one command in its own transaction. Failures come back as an
// error payload in the Result, never as a Go error. Observers are signalled
// once, after every tracked proxy was released.
func (s *Session) Run(ctx context.Context, name string, args []json.RawMessage) (res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := Transaction{ID: s.env.NewTxID(), Command: name, StartedAt: s.env.Now()}
	res = Result{TxID: tx.ID, Command: name}
	wasValid := s.model.Valid()
	logger := s.env.Logger.With(slog.String("tx", tx.ID), slog.String("command", name))

	defer func() {
		tx.Duration = s.env.Now().Sub(tx.StartedAt)
		tx.FieldCount = len(s.model.Cached())
		tx.Invalidated = wasValid && !s.model.Valid()
		if !wasValid && s.model.Valid() {
			tx.Rounds = s.model.Rounds()
		}
		if res.Err != nil {
			tx.Kind, tx.Message = res.Err.Kind, res.Err.Message
			logger.Warn("session: command failed",
				slog.String("kind", string(res.Err.Kind)),
				slog.String("error", res.Err.Message))
		} else {
			logger.Info("session: command done", slog.Duration("duration", tx.Duration))
		}
		for _, o := range s.observers {
			o.TransactionCompleted(context.WithoutCancel(ctx), tx)
		}
	}()

	cmd, err := ParseCommand(name)
	if err != nil {
		res.Err = apperr.ToPayload(err)
		return res
	}
	v, err := s.transact(ctx, cmd, tx.ID, func(ctx context.Context, t *txn) (any, error) {
		return s.table[cmd](ctx, t, args)
	})
	if err != nil {
		res.Err = apperr.ToPayload(err)
		return res
	}
	if _, ok := v.(completed); ok {
		res.complete = true
		v = nil
	}
	res.Value = v
	return res
}

// transact opens a tracked connection, runs fn and releases everything it
// tracked. The caller holds s.mu.
func (s *Session) transact(ctx context.Context, cmd Command, id string, fn func(context.Context, *txn) (any, error)) (any, error) {
	logger := s.env.Logger.With(slog.String("tx", id))
	tr, err := tracker.Begin(ctx, s.host, s.carry, logger)
	if err != nil && len(s.carry) > 0 {
		logger.Warn("session: carried proxies rejected, rebuilding fields",
			slog.Int("carried", len(s.carry)),
			slog.String("error", err.Error()))
		s.model.Reset()
		s.carry = nil
		tr, err = tracker.Begin(ctx, s.host, nil, logger)
	}
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	v, runErr := s.invoke(runCtx, fn, &txn{id: id, cmd: cmd, tr: tr, conn: tr.Conn()})

	released, relErr := tr.End(ctx)
	switch {
	case relErr != nil:
		s.model.Reset()
		s.carry = nil
		if runErr == nil {
			runErr = relErr
		}
	case apperr.Is(runErr, apperr.KindGatewayFault):
		s.model.Reset()
		s.carry = nil
	default:
		var carry []gateway.Proxy
		for _, p := range released {
			if s.model.Holds(p) {
				carry = append(carry, p)
			}
		}
		s.carry = carry
	}
	if runErr != nil {
		return nil, runErr
	}
	return v, nil
}

func (s *Session) invoke(ctx context.Context, fn func(context.Context, *txn) (any, error), t *txn) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindInternal, "panic in %s: %v", t.cmd, r)
		}
	}()
	return fn(ctx, t)
}

// DocumentID reads the id of the active document in a transaction of its
// own. Observers are not signalled.
func (s *Session) DocumentID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.transact(ctx, CmdGetActiveDocument, s.env.NewTxID(), func(ctx context.Context, t *txn) (any, error) {
		return s.documentID(ctx, t)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Fields returns the cached field list, rebuilding it if needed, in a
// transaction of its own.
func (s *Session) Fields(ctx context.Context) ([]*fieldmodel.Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.transact(ctx, CmdGetFields, s.env.NewTxID(), func(ctx context.Context, t *txn) (any, error) {
		return s.model.Fields(ctx, t.tr)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*fieldmodel.Field), nil
}

// Invalidate drops the cached field list, for example after the document was
// replaced underneath the session.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Reset()
	s.carry = nil
}

// Carried returns how many proxies will be carried into the next
// transaction.
func (s *Session) Carried() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.carry)
}
