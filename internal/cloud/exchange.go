// Package cloud obtains relay session tokens for chargers reached through the
// vendor backend.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot/internal/auth"
)

// DefaultTTL applies when the relay reports neither expires_in nor a JWT exp.
const DefaultTTL = time.Hour

// Credentials are exchanged for a session token.
type Credentials struct {
	Serial   string
	Username string
	Password string
}

// Token is a relay session token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at now, keeping skew in reserve.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// Exchanger talks to the relay token endpoint.
type Exchanger struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewExchanger creates an Exchanger for baseURL. The token endpoint is
// baseURL + "/v1/token".
func NewExchanger(baseURL string, client *http.Client, log zerolog.Logger) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Exchanger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log.With().Str("component", "cloud").Logger(),
	}
}

type tokenRequest struct {
	Serial   string `json:"serial"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Exchange trades creds for a session token. Rejected credentials are
// reported as auth.ErrAuthenticationFailed.
func (e *Exchanger) Exchange(ctx context.Context, creds Credentials) (Token, error) {
	body, err := json.Marshal(tokenRequest{Serial: creds.Serial, Username: creds.Username, Password: creds.Password})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/token", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("%w: relay rejected credentials (HTTP %d): %s", auth.ErrAuthenticationFailed, resp.StatusCode, bytes.TrimSpace(b))
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("token exchange HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return Token{}, fmt.Errorf("%w: relay returned an empty token", auth.ErrAuthenticationFailed)
	}

	tok := Token{Value: out.Token, ExpiresAt: expiry(out.Token, out.ExpiresIn, time.Now())}
	e.log.Debug().Str("serial", creds.Serial).Time("expires_at", tok.ExpiresAt).Msg("session token issued")
	return tok, nil
}

// expiry prefers the token's own exp claim, then expires_in, then DefaultTTL.
// The relay signs tokens with a key we do not hold, so claims are read
// without verification.
func expiry(token string, expiresIn int, now time.Time) time.Time {
	if exp, ok := jwtExpiry(token); ok {
		return exp
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return now.Add(DefaultTTL)
}

func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
