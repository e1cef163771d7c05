package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Mode selects how the charger is reached.
type Mode uint8

const (
	ModeLocal Mode = iota // direct socket on the LAN
	ModeCloud             // relayed through the vendor backend
)

func (m Mode) String() string {
	if m == ModeCloud {
		return "cloud"
	}
	return "local"
}

// ParseMode maps "local"/"cloud" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "local":
		return ModeLocal, nil
	case "cloud":
		return ModeCloud, nil
	}
	return ModeLocal, fmt.Errorf("unknown connection mode %q", s)
}

// TokenSource provides relay session tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Target describes where and how to dial.
type Target struct {
	Mode     Mode
	Host     string // local: host[:port] or a ws:// URL
	RelayURL string // cloud: base URL, the serial is appended
	Serial   string
	Secret   string
	Tokens   TokenSource
}

// Negotiator prepares connection attempts and the handshake for a Target.
type Negotiator struct {
	t Target
}

// NewNegotiator validates t.
func NewNegotiator(t Target) (*Negotiator, error) {
	if t.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	switch t.Mode {
	case ModeLocal:
		if t.Host == "" {
			return nil, errors.New("auth: host is required in local mode")
		}
	case ModeCloud:
		if t.RelayURL == "" {
			return nil, errors.New("auth: relay URL is required in cloud mode")
		}
		if t.Serial == "" {
			return nil, errors.New("auth: serial is required in cloud mode")
		}
		if t.Tokens == nil {
			return nil, errors.New("auth: token source is required in cloud mode")
		}
	}
	return &Negotiator{t: t}, nil
}

// Mode returns the configured mode.
func (n *Negotiator) Mode() Mode { return n.t.Mode }

// Endpoint returns the socket URL and headers for the next dial. In cloud mode
// it fetches a session token, which may hit the network. Token sources report
// rejected credentials by wrapping ErrAuthenticationFailed.
func (n *Negotiator) Endpoint(ctx context.Context) (string, http.Header, error) {
	if n.t.Mode == ModeLocal {
		return LocalURL(n.t.Host), nil, nil
	}

	token, err := n.t.Tokens.Token(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("token exchange: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return strings.TrimRight(n.t.RelayURL, "/") + "/" + url.PathEscape(n.t.Serial), h, nil
}

// DialFailed is told the HTTP status of a failed upgrade. It reports whether
// the failure is an authentication failure and drops the cached token if so.
func (n *Negotiator) DialFailed(status int) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	if n.t.Tokens != nil {
		n.t.Tokens.Invalidate()
	}
	return true
}

// Responder returns fresh handshake state for one connection.
func (n *Negotiator) Responder() *Responder {
	return NewResponder(n.t.Secret, n.t.Serial)
}

// LocalURL turns a configured host into the charger socket URL.
func LocalURL(host string) string {
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		return host
	}
	return "ws://" + strings.TrimRight(host, "/") + "/ws"
}
