package wattpilot

import (
	"errors"
	"fmt"

	"github.com/markus-barta/wattpilot/internal/auth"
	"github.com/markus-barta/wattpilot/internal/commands"
	"github.com/markus-barta/wattpilot/internal/protocol"
)

// Sentinel errors. Errors returned by a Client wrap one of these and can be
// tested with errors.Is.
var (
	ErrConnectionFailed     = errors.New("connection failed")
	ErrAuthenticationFailed = auth.ErrAuthenticationFailed
	ErrProtocolViolation    = protocol.ErrProtocolViolation
	ErrCommandTimeout       = commands.ErrCommandTimeout
	ErrNotReady             = errors.New("charger not ready")
	ErrCancelled            = commands.ErrCancelled
	ErrRejected             = commands.ErrRejected
)

// Error carries the connection phase and property involved in a failure.
type Error struct {
	Phase State
	Key   string
	Err   error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("wattpilot %s [%s]: %v", e.Phase, e.Key, e.Err)
	}
	return fmt.Sprintf("wattpilot %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(phase State, key string, err error) error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return err
	}
	return &Error{Phase: phase, Key: key, Err: err}
}
