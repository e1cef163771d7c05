// Package config handles bridge configuration from a TOML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/markus-barta/wattpilot"
	"github.com/markus-barta/wattpilot/internal/auth"
	"github.com/markus-barta/wattpilot/internal/commands"
)

// Duration is a time.Duration written as "10s" in the config file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds all bridge configuration.
type Config struct {
	LogLevel string `toml:"log_level"` // debug, info, warn, error

	Charger   Charger   `toml:"charger"`
	Cloud     Cloud     `toml:"cloud"`
	Reconnect Reconnect `toml:"reconnect"`
	Timeouts  Timeouts  `toml:"timeouts"`
	HTTP      HTTP      `toml:"http"`
	MQTT      MQTT      `toml:"mqtt"`
}

// Charger selects the charger and how writes behave.
type Charger struct {
	Mode        string `toml:"mode"` // local or cloud
	Host        string `toml:"host"`
	Password    string `toml:"password"`
	Serial      string `toml:"serial"`
	Match       string `toml:"match"`        // any or exact
	WritePolicy string `toml:"write_policy"` // reject or wait
}

// Cloud holds relay settings.
type Cloud struct {
	RelayURL string `toml:"relay_url"`
	TokenURL string `toml:"token_url"`
	Username string `toml:"username"`
	TokenDB  string `toml:"token_db"` // SQLite file for session tokens, empty keeps them in memory
}

// Reconnect mirrors wattpilot.ReconnectPolicy.
type Reconnect struct {
	Enabled         bool     `toml:"enabled"`
	Initial         Duration `toml:"initial"`
	Max             Duration `toml:"max"`
	MaxAttempts     int      `toml:"max_attempts"`
	MaxAuthFailures int      `toml:"max_auth_failures"`
}

// Timeouts mirrors the client timeouts.
type Timeouts struct {
	Handshake      Duration `toml:"handshake"`
	Sync           Duration `toml:"sync"`
	Command        Duration `toml:"command"`
	Write          Duration `toml:"write"`
	Ping           Duration `toml:"ping"`
	MaxMissedPongs int      `toml:"max_missed_pongs"`
}

// HTTP configures the local API.
type HTTP struct {
	Listen string `toml:"listen"` // empty disables the API
	Token  string `toml:"token"`  // bearer token required for writes, empty allows all
}

// MQTT configures the broker bridge.
type MQTT struct {
	Broker   string `toml:"broker"` // tcp://host:1883, empty disables the bridge
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Prefix   string `toml:"prefix"`
	QoS      byte   `toml:"qos"`
	Retain   bool   `toml:"retain"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	lib := wattpilot.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Charger: Charger{
			Mode:        "local",
			Match:       "any",
			WritePolicy: "reject",
		},
		Cloud: Cloud{
			RelayURL: lib.Cloud.RelayURL,
		},
		Reconnect: Reconnect{
			Enabled:         lib.Reconnect.Enabled,
			Initial:         Duration{lib.Reconnect.InitialInterval},
			Max:             Duration{lib.Reconnect.MaxInterval},
			MaxAuthFailures: lib.Reconnect.MaxAuthFailures,
		},
		Timeouts: Timeouts{
			Handshake:      Duration{lib.HandshakeTimeout},
			Sync:           Duration{lib.SyncTimeout},
			Command:        Duration{lib.CommandTimeout},
			Write:          Duration{lib.WriteTimeout},
			Ping:           Duration{lib.PingInterval},
			MaxMissedPongs: lib.MaxMissedPongs,
		},
		HTTP: HTTP{
			Listen: "127.0.0.1:8080",
		},
		MQTT: MQTT{
			ClientID: "wattpilot-bridge",
			Prefix:   "wattpilot",
		},
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// A missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from WATTPILOT_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"WATTPILOT_LOG_LEVEL":      &c.LogLevel,
		"WATTPILOT_MODE":           &c.Charger.Mode,
		"WATTPILOT_HOST":           &c.Charger.Host,
		"WATTPILOT_PASSWORD":       &c.Charger.Password,
		"WATTPILOT_SERIAL":         &c.Charger.Serial,
		"WATTPILOT_MATCH":          &c.Charger.Match,
		"WATTPILOT_WRITE_POLICY":   &c.Charger.WritePolicy,
		"WATTPILOT_RELAY_URL":      &c.Cloud.RelayURL,
		"WATTPILOT_TOKEN_URL":      &c.Cloud.TokenURL,
		"WATTPILOT_CLOUD_USERNAME": &c.Cloud.Username,
		"WATTPILOT_TOKEN_DB":       &c.Cloud.TokenDB,
		"WATTPILOT_HTTP_LISTEN":    &c.HTTP.Listen,
		"WATTPILOT_HTTP_TOKEN":     &c.HTTP.Token,
		"WATTPILOT_MQTT_BROKER":    &c.MQTT.Broker,
		"WATTPILOT_MQTT_USERNAME":  &c.MQTT.Username,
		"WATTPILOT_MQTT_PASSWORD":  &c.MQTT.Password,
		"WATTPILOT_MQTT_PREFIX":    &c.MQTT.Prefix,
	}
	for name, dst := range str {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("WATTPILOT_COMMAND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("WATTPILOT_COMMAND_TIMEOUT must be a duration (e.g. 10s)")
		}
		c.Timeouts.Command = Duration{d}
	}
	if v := getenv("WATTPILOT_RECONNECT"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("WATTPILOT_RECONNECT must be true or false")
		}
		c.Reconnect.Enabled = enabled
	}
	return nil
}

// Validate checks the bridge-specific settings. Client settings are checked
// by Client().
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.MQTT.Broker != "" && strings.TrimSpace(c.MQTT.Prefix) == "" {
		return errors.New("mqtt prefix is required when a broker is set")
	}
	if c.MQTT.QoS > 2 {
		return errors.New("mqtt qos must be 0, 1 or 2")
	}
	_, err := c.Client()
	return err
}

// Client converts the file settings into a validated client configuration.
func (c *Config) Client() (wattpilot.Config, error) {
	cfg := wattpilot.DefaultConfig()

	mode, err := auth.ParseMode(c.Charger.Mode)
	if err != nil {
		return cfg, err
	}
	match, err := commands.ParseMatchMode(c.Charger.Match)
	if err != nil {
		return cfg, err
	}
	policy, err := wattpilot.ParseWritePolicy(c.Charger.WritePolicy)
	if err != nil {
		return cfg, err
	}

	cfg.Mode = mode
	cfg.Host = c.Charger.Host
	cfg.Password = c.Charger.Password
	cfg.Serial = c.Charger.Serial
	cfg.Match = match
	cfg.WritePolicy = policy
	cfg.Cloud = wattpilot.CloudConfig{
		RelayURL: c.Cloud.RelayURL,
		TokenURL: c.Cloud.TokenURL,
		Username: c.Cloud.Username,
	}
	cfg.Reconnect = wattpilot.ReconnectPolicy{
		Enabled:         c.Reconnect.Enabled,
		InitialInterval: c.Reconnect.Initial.Duration,
		MaxInterval:     c.Reconnect.Max.Duration,
		MaxAttempts:     c.Reconnect.MaxAttempts,
		MaxAuthFailures: c.Reconnect.MaxAuthFailures,
	}
	cfg.HandshakeTimeout = c.Timeouts.Handshake.Duration
	cfg.SyncTimeout = c.Timeouts.Sync.Duration
	cfg.CommandTimeout = c.Timeouts.Command.Duration
	cfg.WriteTimeout = c.Timeouts.Write.Duration
	cfg.PingInterval = c.Timeouts.Ping.Duration
	cfg.MaxMissedPongs = c.Timeouts.MaxMissedPongs

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
