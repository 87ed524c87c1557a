package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
	"github.com/zotero/zotero-word-js-integration/internal/sessionctx"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Gateway modes.
const (
	GatewayModeFixture   = "fixture"
	GatewayModeWebsocket = "websocket"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Auth    AuthConfig        `yaml:"auth"`
	Session SessionConfig     `yaml:"session"`
	Gateway GatewayConfig     `yaml:"gateway"`
	Relay   RelayConfig       `yaml:"relay"`
	Journal JournalConfig     `yaml:"journal"`
	Alert   AlertConfig       `yaml:"alert"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		&c.App, &c.Auth, &c.Session, &c.Gateway, &c.Relay, &c.Journal, &c.Alert,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SessionConfig holds the session engine settings.
type SessionConfig struct {
	FieldPrefix    string        `yaml:"field_prefix"`
	NoteTypes      []string      `yaml:"note_types"`
	MaxTransaction time.Duration `yaml:"max_transaction"`
	OutputFormat   string        `yaml:"output_format"`
}

// Validate validates the session configuration.
func (c *SessionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.NoteTypes, validation.Each(validation.In(gateway.NoteFootnote, gateway.NoteEndnote))),
		validation.Field(&c.MaxTransaction, validation.Min(time.Duration(0))),
		validation.Field(&c.OutputFormat, validation.In("html", "rtf")),
	)
}

// GatewayConfig selects the document host.
//
// Mode "fixture" serves an in-memory document loaded from FixturePath (and
// exposes it to remote hosts at /bridge). Persist writes it back there on
// shutdown. Mode "websocket" dials a remote host at WebsocketURL.
type GatewayConfig struct {
	Mode         string `yaml:"mode"`
	FixturePath  string `yaml:"fixture_path"`
	Watch        bool   `yaml:"watch"`
	Persist      bool   `yaml:"persist"`
	WebsocketURL string `yaml:"websocket_url"`
}

// Validate validates the gateway configuration.
func (c *GatewayConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = GatewayModeFixture
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(GatewayModeFixture, GatewayModeWebsocket)),
		validation.Field(&c.WebsocketURL, validation.When(c.Mode == GatewayModeWebsocket, validation.Required, is.URL)),
		validation.Field(&c.Watch, validation.When(c.FixturePath == "", validation.Empty.Error("needs fixture_path"))),
		validation.Field(&c.Persist, validation.When(c.FixturePath == "", validation.Empty.Error("needs fixture_path"))),
	)
}

// RelayConfig points at the citation manager's connector. An empty URL
// disables controller commands.
type RelayConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	BusyRetries  uint          `yaml:"busy_retries"`
	BusyInterval time.Duration `yaml:"busy_interval"`
}

// Validate validates the relay configuration.
func (c *RelayConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, is.URL),
		validation.Field(&c.Timeout, validation.When(c.URL != "", validation.Required)),
		validation.Field(&c.BusyInterval, validation.Min(time.Duration(0))),
	)
}

// Enabled reports whether a connector is configured.
func (c *RelayConfig) Enabled() bool {
	return c.URL != ""
}

// JournalConfig holds the SQLite transaction journal location.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the journal configuration.
func (c *JournalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AlertConfig holds alert settings. A zero timeout waits for an answer as
// long as the command runs.
type AlertConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the alert configuration.
func (c *AlertConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Session: SessionConfig{
			FieldPrefix:    sessionctx.DefaultFieldPrefix,
			NoteTypes:      []string{gateway.NoteFootnote, gateway.NoteEndnote},
			MaxTransaction: 30 * time.Second,
			OutputFormat:   "html",
		},
		Gateway: GatewayConfig{
			Mode: GatewayModeFixture,
		},
		Relay: RelayConfig{
			Timeout:      10 * time.Second,
			BusyRetries:  5,
			BusyInterval: 500 * time.Millisecond,
		},
		Journal: JournalConfig{
			Path: "./citefield.db",
		},
		Alert: AlertConfig{
			Timeout: 2 * time.Minute,
		},
	}
}
