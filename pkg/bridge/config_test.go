package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
twilio:
  account_sid: AC123
  auth_token: secret
  from_number: "+15550001111"
providers:
  openai:
    api_key: sk-test
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers.Default != "openai" {
		t.Errorf("default provider = %q, want openai", cfg.Providers.Default)
	}
	if cfg.Twilio.ServerAddr != ":8080" || cfg.Twilio.WebsocketPath != "/media-stream" {
		t.Errorf("twilio defaults = %q %q", cfg.Twilio.ServerAddr, cfg.Twilio.WebsocketPath)
	}
	if got := cfg.Session.connectTimeout(); got != 10*time.Second {
		t.Errorf("connect timeout = %v, want 10s", got)
	}
	if got := cfg.IVR.engineConfig().PostAckDelay; got != 1500*time.Millisecond {
		t.Errorf("post-ack delay = %v, want 1.5s", got)
	}
	if !cfg.IVR.Enabled || !cfg.Switch.Enabled {
		t.Error("ivr and switch should default to enabled")
	}
}

func TestLoadConfigRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
twilio:
  account_sid: AC123
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("config without auth token accepted")
	}
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
twilio:
  account_sid: AC123
  auth_token: secret
  from_number: "+15550001111"
providers:
  default: acme
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("unknown default provider accepted")
	}
}

func TestLoadConfigCustomRules(t *testing.T) {
	path := writeConfig(t, `
twilio:
  account_sid: AC123
  auth_token: secret
  from_number: "+15550001111"
ivr:
  default_digit: "9"
  rules:
    - pattern: 'claims department'
      digit: "4"
      confidence: 0.8
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	ec := cfg.IVR.engineConfig()
	if len(ec.Rules) != 1 || ec.Rules[0].Digit != "4" {
		t.Fatalf("compiled rules = %+v", ec.Rules)
	}
	if !ec.Rules[0].Pattern.MatchString("the CLAIMS department") {
		t.Error("configured pattern should match case-insensitively")
	}
	if ec.DefaultDigit != "9" {
		t.Errorf("default digit = %q, want 9", ec.DefaultDigit)
	}
}
