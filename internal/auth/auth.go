// Package auth implements the charger handshake for local and relayed
// connections.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/markus-barta/wattpilot/internal/protocol"
)

// ErrAuthenticationFailed is returned for every handshake failure.
var ErrAuthenticationFailed = errors.New("authentication failed")

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 256
	derivedKeyLen    = 32
)

// LocalHash answers a native challenge: hex(HMAC-SHA256(secret, challenge)).
func LocalHash(secret, challenge string) string {
	return Sign(secret, []byte(challenge))
}

// Sign returns hex(HMAC-SHA256(key, data)).
func Sign(key string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// DeriveKey stretches the device password with the serial as salt the way
// shipping firmware does.
func DeriveKey(password, serial string) string {
	raw := pbkdf2.Key([]byte(password), []byte(serial), pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
	return base64.StdEncoding.EncodeToString(raw)[:derivedKeyLen]
}

// FirmwareHash answers an authRequired challenge.
func FirmwareHash(key, token1, token2, token3 string) string {
	hash1 := sha256Hex(token1 + key)
	return sha256Hex(token3 + token2 + hash1)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Responder holds the per-connection handshake state.
type Responder struct {
	secret string

	mu     sync.Mutex
	serial string
	key    string
	keyFor string // serial the cached key was derived for

	token3 func() string
}

// NewResponder creates a responder for secret. serial may be empty and filled
// in later from the hello frame.
func NewResponder(secret, serial string) *Responder {
	return &Responder{
		secret: secret,
		serial: serial,
		token3: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// SetSerial records the serial announced by the charger. A configured serial
// is not overridden.
func (r *Responder) SetSerial(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serial == "" {
		r.serial = serial
	}
}

// Serial returns the serial used for key derivation.
func (r *Responder) Serial() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serial
}

// Respond encodes the reply to a challenge in the challenge's dialect.
func (r *Responder) Respond(ch *protocol.Challenge, d protocol.Dialect) ([]byte, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: no challenge", ErrAuthenticationFailed)
	}
	if d == protocol.DialectFirmware {
		key, err := r.derivedKey()
		if err != nil {
			return nil, err
		}
		token3 := r.token3()
		return protocol.EncodeFirmwareAuth(token3, FirmwareHash(key, ch.Token1, ch.Token2, token3))
	}
	if ch.Challenge == "" {
		return nil, fmt.Errorf("%w: empty challenge", ErrAuthenticationFailed)
	}
	return protocol.EncodeAuthResponse(LocalHash(r.secret, ch.Challenge))
}

// Check turns an auth result into nil or ErrAuthenticationFailed.
func (r *Responder) Check(res *protocol.AuthResult) error {
	if res == nil || !res.Approved {
		msg := "rejected"
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg)
	}
	return nil
}

// Seal wraps an encoded request into a secured message signed with the
// derived key.
func (r *Responder) Seal(d protocol.Dialect, requestID int64, frame []byte) ([]byte, error) {
	key, err := r.derivedKey()
	if err != nil {
		return nil, err
	}
	return protocol.EncodeSecured(d, requestID, frame, Sign(key, frame))
}

func (r *Responder) derivedKey() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serial == "" {
		return "", fmt.Errorf("%w: serial unknown, cannot derive key", ErrAuthenticationFailed)
	}
	if r.key == "" || r.keyFor != r.serial {
		r.key = DeriveKey(r.secret, r.serial)
		r.keyFor = r.serial
	}
	return r.key, nil
}
