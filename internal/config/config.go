// Package config loads the dialmate YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/dialmate/internal/dialnum"
	"github.com/sweeney/dialmate/internal/session"
)

// EnvAccessToken overrides backend.access_token when set.
const EnvAccessToken = "DIALMATE_ACCESS_TOKEN"

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Dialer   DialerConfig   `yaml:"dialer"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Provider ProviderConfig `yaml:"provider"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// AccessToken is a static bearer token. TokenFile is consulted when
	// it is empty.
	AccessToken string        `yaml:"access_token"`
	TokenFile   string        `yaml:"token_file"`
	Timeout     time.Duration `yaml:"timeout"`
}

type DialerConfig struct {
	MaxDigits          int    `yaml:"max_digits"`
	MobileCountryCode  string `yaml:"mobile_country_code"`
	DefaultCountryCode string `yaml:"default_country_code"`
}

type CleanupConfig struct {
	ClearDelay time.Duration `yaml:"clear_delay"`
	IdleDelay  time.Duration `yaml:"idle_delay"`
}

type ProviderConfig struct {
	// Script is a call script played against every outbound call. Empty
	// plays a built-in answered call.
	Script         string `yaml:"script"`
	DenyMicrophone bool   `yaml:"deny_microphone"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         byte   `yaml:"qos"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var countryCode = regexp.MustCompile(`^\+\d{1,3}$`)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:   "https://dialmate-backend.onrender.com",
			TokenFile: "~/.dialmate/access",
			Timeout:   15 * time.Second,
		},
		Dialer: DialerConfig{
			MaxDigits:          dialnum.MaxDigits,
			MobileCountryCode:  "+91",
			DefaultCountryCode: "+1",
		},
		Cleanup: CleanupConfig{
			ClearDelay: time.Second,
			IdleDelay:  500 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "dialmate",
			TopicPrefix: "dialmate",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path loads the defaults
// alone. The environment is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if tok := os.Getenv(EnvAccessToken); tok != "" {
		cfg.Backend.AccessToken = tok
	}
	tokenFile, err := expandHome(cfg.Backend.TokenFile)
	if err != nil {
		return nil, err
	}
	cfg.Backend.TokenFile = tokenFile

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Policy returns the dialing policy.
func (c *Config) Policy() dialnum.Policy {
	return dialnum.Policy{
		MobileCode:  c.Dialer.MobileCountryCode,
		DefaultCode: c.Dialer.DefaultCountryCode,
		MaxDigits:   c.Dialer.MaxDigits,
	}
}

// Session returns the state machine configuration.
func (c *Config) Session() session.Config {
	return session.Config{
		Policy:     c.Policy(),
		ClearDelay: c.Cleanup.ClearDelay,
		IdleDelay:  c.Cleanup.IdleDelay,
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an http(s) URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Dialer.MaxDigits < 1 || c.Dialer.MaxDigits > dialnum.MaxDigits {
		return fmt.Errorf("dialer.max_digits must be between 1 and %d, got %d", dialnum.MaxDigits, c.Dialer.MaxDigits)
	}
	if !countryCode.MatchString(c.Dialer.MobileCountryCode) {
		return fmt.Errorf("dialer.mobile_country_code must look like +91, got %q", c.Dialer.MobileCountryCode)
	}
	if !countryCode.MatchString(c.Dialer.DefaultCountryCode) {
		return fmt.Errorf("dialer.default_country_code must look like +1, got %q", c.Dialer.DefaultCountryCode)
	}
	if c.Cleanup.ClearDelay <= 0 {
		return fmt.Errorf("cleanup.clear_delay must be positive")
	}
	if c.Cleanup.IdleDelay <= 0 {
		return fmt.Errorf("cleanup.idle_delay must be positive")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
