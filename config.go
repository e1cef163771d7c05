package wattpilot

import (
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/wattpilot/internal/auth"
	"github.com/markus-barta/wattpilot/internal/cloud"
	"github.com/markus-barta/wattpilot/internal/commands"
)

// Mode selects how the charger is reached.
type Mode = auth.Mode

const (
	ModeLocal = auth.ModeLocal
	ModeCloud = auth.ModeCloud
)

// MatchMode selects how property updates confirm a pending write.
type MatchMode = commands.MatchMode

const (
	MatchAnyValue = commands.MatchAnyValue
	MatchExact    = commands.MatchExact
)

// TokenSource provides relay session tokens in cloud mode.
type TokenSource = auth.TokenSource

// TokenStore persists relay session tokens.
type TokenStore = cloud.TokenStore

// WritePolicy decides what happens to writes issued while not ready.
type WritePolicy uint8

const (
	RejectWhenNotReady WritePolicy = iota // fail with ErrNotReady
	WaitForReady                          // block until ready or the context ends
)

func (p WritePolicy) String() string {
	if p == WaitForReady {
		return "wait"
	}
	return "reject"
}

// ParseWritePolicy maps "reject"/"wait" to a WritePolicy.
func ParseWritePolicy(s string) (WritePolicy, error) {
	switch s {
	case "", "reject":
		return RejectWhenNotReady, nil
	case "wait":
		return WaitForReady, nil
	}
	return RejectWhenNotReady, fmt.Errorf("unknown write policy %q", s)
}

// DefaultRelayURL is the vendor relay used in cloud mode.
const DefaultRelayURL = "wss://app.wattpilot.io/app"

// CloudConfig holds relay settings.
type CloudConfig struct {
	RelayURL string // socket base URL, the serial is appended
	TokenURL string // token endpoint base URL
	Username string
}

// ReconnectPolicy controls automatic reconnection.
type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int // consecutive failed attempts before giving up, 0 = unlimited
	MaxAuthFailures int // consecutive rejected handshakes before giving up
}

// Config holds all client configuration.
type Config struct {
	// Connection
	Mode     Mode
	Host     string // local mode: host[:port] or ws:// URL
	Password string // shared secret
	Serial   string // required in cloud mode; learned from hello otherwise

	Cloud  CloudConfig
	Tokens TokenSource // overrides the token exchange configured in Cloud

	Reconnect ReconnectPolicy

	// Timeouts
	HandshakeTimeout time.Duration // dial and authentication
	SyncTimeout      time.Duration // waiting for the full sync
	CommandTimeout   time.Duration // waiting for a write or read to be confirmed
	WriteTimeout     time.Duration // single socket write

	// Keepalive
	PingInterval   time.Duration // 0 disables keepalive
	MaxMissedPongs int
	AppPing        bool // also send protocol-level ping frames

	MaxProtocolViolations int // consecutive malformed frames tolerated
	WritePolicy           WritePolicy
	Match                 MatchMode
	EventQueueSize        int
}

// DefaultConfig returns a config with default values.
func DefaultConfig() Config {
	return Config{
		Mode: ModeLocal,
		Cloud: CloudConfig{
			RelayURL: DefaultRelayURL,
		},
		Reconnect: ReconnectPolicy{
			Enabled:         true,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			MaxAuthFailures: 3,
		},
		HandshakeTimeout:      10 * time.Second,
		SyncTimeout:           30 * time.Second,
		CommandTimeout:        10 * time.Second,
		WriteTimeout:          10 * time.Second,
		PingInterval:          20 * time.Second,
		MaxMissedPongs:        3,
		MaxProtocolViolations: 10,
		WritePolicy:           RejectWhenNotReady,
		Match:                 MatchAnyValue,
		EventQueueSize:        64,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Password == "" {
		return errors.New("password is required")
	}
	switch c.Mode {
	case ModeLocal:
		if c.Host == "" {
			return errors.New("host is required in local mode")
		}
	case ModeCloud:
		if c.Serial == "" {
			return errors.New("serial is required in cloud mode")
		}
		if c.Cloud.RelayURL == "" {
			return errors.New("relay URL is required in cloud mode")
		}
		if c.Tokens == nil && c.Cloud.TokenURL == "" {
			return errors.New("token URL or token source is required in cloud mode")
		}
	default:
		return fmt.Errorf("unknown mode %d", c.Mode)
	}
	if c.HandshakeTimeout <= 0 || c.SyncTimeout <= 0 || c.CommandTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.PingInterval < 0 {
		return errors.New("ping interval must not be negative")
	}
	if c.PingInterval > 0 && c.MaxMissedPongs < 1 {
		return errors.New("max missed pongs must be at least 1")
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.InitialInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
			return errors.New("reconnect intervals are invalid")
		}
	}
	if c.Reconnect.MaxAuthFailures < 1 {
		return errors.New("max auth failures must be at least 1")
	}
	if c.MaxProtocolViolations < 0 {
		return errors.New("max protocol violations must not be negative")
	}
	return nil
}
