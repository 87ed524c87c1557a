package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/zotero/zotero-word-js-integration/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
	if cfg.Relay.Enabled() {
		t.Error("relay should be disabled without a url")
	}
}

func TestGatewayConfig_EmptyModeDefaultsFixture(t *testing.T) {
	cfg := GatewayConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to fixture: %v", err)
	}
	if cfg.Mode != GatewayModeFixture {
		t.Errorf("mode = %q, want %q", cfg.Mode, GatewayModeFixture)
	}
}

func TestGatewayConfig_WebsocketNeedsURL(t *testing.T) {
	cfg := GatewayConfig{Mode: GatewayModeWebsocket}
	if err := cfg.Validate(); err == nil {
		t.Fatal("websocket mode without url should fail")
	}
	cfg.WebsocketURL = "ws://127.0.0.1:9000/bridge"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("websocket mode with url should pass: %v", err)
	}
}

func TestGatewayConfig_WatchNeedsFixture(t *testing.T) {
	cfg := GatewayConfig{Mode: GatewayModeFixture, Watch: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("watch without fixture_path should fail")
	}
	cfg.FixturePath = "doc.yaml"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("watch with fixture_path should pass: %v", err)
	}
}

func TestSessionConfig_UnknownNoteType(t *testing.T) {
	cfg := SessionConfig{NoteTypes: []string{"footnote", "sidenote"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown note type should fail")
	}
}

func TestRelayConfig_NeedsTimeout(t *testing.T) {
	cfg := RelayConfig{URL: "http://127.0.0.1:23119"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("relay url without timeout should fail")
	}
	cfg.Timeout = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("relay with timeout should pass: %v", err)
	}
	if !cfg.Enabled() {
		t.Error("relay with url should be enabled")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("TEST_RELAY_URL", "http://127.0.0.1:23119")
	content := `
app:
  http:
    port: 9090
session:
  note_types: [footnote]
  max_transaction: 5s
relay:
  url: ${TEST_RELAY_URL}
  timeout: 3s
journal:
  path: ./journal.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.Session.MaxTransaction != 5*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Relay.URL != "http://127.0.0.1:23119" || cfg.Relay.Timeout != 3*time.Second {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if len(cfg.Session.NoteTypes) != 1 || cfg.Session.FieldPrefix != "ADDIN ZOTERO_" {
		t.Errorf("session = %+v", cfg.Session)
	}
}
