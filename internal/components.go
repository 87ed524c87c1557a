package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/alert"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/memdoc"
	"github.com/zotero/zotero-word-js-integration/internal/gateway/wsbridge"
	"github.com/zotero/zotero-word-js-integration/internal/journal"
	"github.com/zotero/zotero-word-js-integration/internal/relay"
	"github.com/zotero/zotero-word-js-integration/internal/session"
	"github.com/zotero/zotero-word-js-integration/internal/sessionctx"
	"github.com/zotero/zotero-word-js-integration/internal/sse"
)

// components is everything both the HTTP server and the MCP server run on.
type components struct {
	env     *sessionctx.Env
	journal *journal.DB
	broker  *sse.Broker
	alerts  *alert.Hub
	session *session.Session
	ctrl    *session.Controller

	// doc is set in fixture mode only.
	doc         *memdoc.Document
	persistPath string
	remote      *wsbridge.Client
	logger      *slog.Logger
}

func newComponents(ctx context.Context, cfg *Config, logger *slog.Logger) (*components, error) {
	c := &components{
		env:    sessionctx.New(logger, cfg.Session.FieldPrefix, cfg.Session.NoteTypes),
		broker: sse.NewBroker(2 * time.Second),
		logger: logger,
	}

	db, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	c.journal = db

	var host gateway.Host
	switch cfg.Gateway.Mode {
	case GatewayModeWebsocket:
		remote, err := wsbridge.Dial(ctx, cfg.Gateway.WebsocketURL, nil, logger)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("dial document host: %w", err)
		}
		c.remote, host = remote, remote
	default:
		c.doc = memdoc.New("doc-" + c.env.NewID())
		if cfg.Gateway.FixturePath != "" {
			if err := c.doc.LoadFile(cfg.Gateway.FixturePath); err != nil {
				c.close()
				return nil, fmt.Errorf("load fixture: %w", err)
			}
		}
		if cfg.Gateway.Persist {
			c.persistPath = cfg.Gateway.FixturePath
		}
		host = c.doc
	}

	c.alerts = alert.NewHub(cfg.Alert.Timeout, c.broker, c.env.NewID)
	c.session = session.New(c.env, host,
		session.WithAlerter(c.alerts),
		session.WithObserver(c.journal),
		session.WithObserver(c.broker),
		session.WithTimeout(cfg.Session.MaxTransaction),
		session.WithOutputFormat(cfg.Session.OutputFormat),
	)
	if cfg.Relay.Enabled() {
		client := relay.New(cfg.Relay.URL, cfg.Relay.Timeout, logger)
		c.ctrl = session.NewController(c.session, client, c.alerts, cfg.Relay.BusyRetries, cfg.Relay.BusyInterval)
	}
	return c, nil
}

// watch reloads the fixture on change until ctx ends. It returns at once
// when there is nothing to watch.
func (c *components) watch(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if c.doc == nil || !cfg.Gateway.Watch {
		return nil
	}
	return memdoc.Watch(ctx, c.doc, cfg.Gateway.FixturePath, logger, func(string) {
		c.session.Invalidate()
		c.broker.PublishFieldsInvalidated(c.doc.ID())
	})
}

func (c *components) close() {
	if c.persistPath != "" {
		if err := c.doc.SaveFile(c.persistPath); err != nil {
			c.logger.Error("failed to save fixture", slog.String("path", c.persistPath), slog.String("error", err.Error()))
		}
	}
	if c.remote != nil {
		_ = c.remote.Close()
	}
	if c.journal != nil {
		_ = c.journal.Close()
	}
	c.broker.Close()
}
