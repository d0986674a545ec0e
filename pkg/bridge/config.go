// Package bridge assembles the full system: telephony transport, provider
// adapters, call sessions, IVR navigation, provider switching, batching
// and the command surface.
package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/im360john/voice-call-mcp-server/pkg/configutil"
	"github.com/im360john/voice-call-mcp-server/pkg/ivr"
	"github.com/im360john/voice-call-mcp-server/pkg/transports/twilio"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Twilio      twilio.Config   `mapstructure:"twilio"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Session     SessionConfig   `mapstructure:"session"`
	IVR         IVRConfig       `mapstructure:"ivr"`
	Switch      SwitchConfig    `mapstructure:"switch"`
	Batch       BatchConfig     `mapstructure:"batch"`
	Events      EventsConfig    `mapstructure:"events"`
}

// ProvidersConfig mirrors the vendor/settings layout: each backend gets a
// free-form settings map decoded by its adapter factory.
type ProvidersConfig struct {
	Default    string         `mapstructure:"default"`
	Navigation string         `mapstructure:"navigation"`
	OpenAI     map[string]any `mapstructure:"openai"`
	ElevenLabs map[string]any `mapstructure:"elevenlabs"`
}

type SessionConfig struct {
	ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
	TeardownGraceMS  int `mapstructure:"teardown_grace_ms"`
}

type IVRConfig struct {
	Enabled        bool             `mapstructure:"enabled"`
	MenuTimeoutMS  int              `mapstructure:"menu_timeout_ms"`
	DefaultDigit   string           `mapstructure:"default_digit"`
	PostAckDelayMS int              `mapstructure:"post_ack_delay_ms"`
	Rules          []ivr.RuleConfig `mapstructure:"rules"`
}

type SwitchConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	GraceMS          int  `mapstructure:"grace_ms"`
	ConnectTimeoutMS int  `mapstructure:"connect_timeout_ms"`
}

type BatchConfig struct {
	InterChunkDelayMS int `mapstructure:"inter_chunk_delay_ms"`
	RetentionHours    int `mapstructure:"retention_hours"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("twilio.server_addr", ":8080")
	v.SetDefault("twilio.voice_path", "/voice")
	v.SetDefault("twilio.ws_path", "/media-stream")
	v.SetDefault("twilio.record_calls", false)
	v.SetDefault("providers.default", "openai")
	v.SetDefault("providers.navigation", "openai")
	v.SetDefault("session.connect_timeout_ms", 10000)
	v.SetDefault("session.teardown_grace_ms", 3000)
	v.SetDefault("ivr.enabled", true)
	v.SetDefault("ivr.menu_timeout_ms", 30000)
	v.SetDefault("ivr.default_digit", "0")
	v.SetDefault("ivr.post_ack_delay_ms", 1500)
	v.SetDefault("switch.enabled", true)
	v.SetDefault("switch.grace_ms", 2000)
	v.SetDefault("switch.connect_timeout_ms", 10000)
	v.SetDefault("batch.inter_chunk_delay_ms", 1000)
	v.SetDefault("batch.retention_hours", 24)
	v.SetDefault("events.buffer", 1024)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := configutil.RequireString(c.Twilio.AccountSID, "twilio.account_sid"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Twilio.AuthToken, "twilio.auth_token"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Twilio.FromNumber, "twilio.from_number"); err != nil {
		return err
	}
	switch c.Providers.Default {
	case "openai", "elevenlabs":
	default:
		return fmt.Errorf("providers.default: unknown provider %q", c.Providers.Default)
	}
	if c.Providers.Navigation != "" &&
		c.Providers.Navigation != "openai" && c.Providers.Navigation != "elevenlabs" {
		return fmt.Errorf("providers.navigation: unknown provider %q", c.Providers.Navigation)
	}
	if d := strings.TrimSpace(c.IVR.DefaultDigit); d != "" && !strings.ContainsAny(d, "0123456789*#") {
		return fmt.Errorf("ivr.default_digit: %q is not a keypad digit", d)
	}
	return nil
}

func (c SessionConfig) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c SessionConfig) teardownGrace() time.Duration {
	return time.Duration(c.TeardownGraceMS) * time.Millisecond
}

func (c IVRConfig) engineConfig() ivr.Config {
	return ivr.Config{
		MenuTimeout:  time.Duration(c.MenuTimeoutMS) * time.Millisecond,
		DefaultDigit: c.DefaultDigit,
		PostAckDelay: time.Duration(c.PostAckDelayMS) * time.Millisecond,
		Rules:        ivr.CompileRules(c.Rules),
	}
}
