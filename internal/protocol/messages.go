// Package protocol defines the WebSocket frames exchanged with a Wattpilot charger.
//
// Chargers speak two spellings of the same protocol: the native snake_case
// names and the camelCase names used by shipping firmware. Decode accepts both
// and records which one a frame used so replies can be sent back in kind.
package protocol

import "errors"

// Dialect selects the spelling used for outbound frames.
type Dialect uint8

const (
	DialectNative Dialect = iota
	DialectFirmware
)

func (d Dialect) String() string {
	if d == DialectFirmware {
		return "firmware"
	}
	return "native"
}

// Message types (charger → client)
const (
	TypeHello          = "hello"
	TypeAuthChallenge  = "auth_challenge"
	TypeAuthResult     = "auth_result"
	TypeFullSync       = "full_sync"
	TypePropertyUpdate = "property_update"
	TypeResponse       = "response"
	TypePong           = "pong"
	TypeError          = "error"

	// Firmware spellings
	TypeAuthRequired = "authRequired"
	TypeAuthSuccess  = "authSuccess"
	TypeAuthError    = "authError"
	TypeFullStatus   = "fullStatus"
	TypeDeltaStatus  = "deltaStatus"
)

// Message types (client → charger)
const (
	TypeAuthResponse = "auth_response"
	TypeSetValue     = "set_value"
	TypeGetValue     = "get_value"
	TypePing         = "ping"
	TypeSecuredMsg   = "secured_msg"

	// Firmware spellings
	TypeAuth               = "auth"
	TypeFirmwareSetValue   = "setValue"
	TypeFirmwareSecuredMsg = "securedMsg"
)

// ErrProtocolViolation marks frames that could not be understood.
var ErrProtocolViolation = errors.New("protocol violation")

// FrameKind is the decoded variant of an inbound frame.
type FrameKind uint8

const (
	FrameUnknown FrameKind = iota
	FrameMalformed
	FrameHello
	FrameAuthChallenge
	FrameAuthResult
	FrameFullSync
	FramePropertyUpdate
	FrameResponse
	FramePong
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameMalformed:
		return "malformed"
	case FrameHello:
		return "hello"
	case FrameAuthChallenge:
		return "auth_challenge"
	case FrameAuthResult:
		return "auth_result"
	case FrameFullSync:
		return "full_sync"
	case FramePropertyUpdate:
		return "property_update"
	case FrameResponse:
		return "response"
	case FramePong:
		return "pong"
	case FrameError:
		return "error"
	default:
		return "unknown"
	}
}

// Update is a single key/value assignment carried by a frame.
type Update struct {
	Key   string
	Value Value
}

// Frame is a decoded inbound message. Exactly one of the payload pointers is
// set, matching Kind; FullSync and PropertyUpdate carry Updates.
type Frame struct {
	Kind    FrameKind
	Type    string // raw "type" field
	Dialect Dialect
	Raw     []byte
	Err     error // set for FrameMalformed

	Hello     *Hello
	Challenge *Challenge
	Result    *AuthResult
	Response  *Response
	Error     *ErrorPayload

	Updates []Update
	Partial bool // FullSync: more chunks follow
}

// Hello is the greeting a charger sends right after the socket opens.
type Hello struct {
	Serial       string `json:"serial"`
	Hostname     string `json:"hostname"`
	FriendlyName string `json:"friendly_name"`
	Manufacturer string `json:"manufacturer"`
	DeviceType   string `json:"devicetype"`
	Version      string `json:"version"`
	Protocol     Value  `json:"protocol"`
	Secured      bool   `json:"secured"`
}

// Challenge asks the client to prove knowledge of the shared secret.
// Native challenges carry Challenge; firmware challenges carry Token1/Token2.
type Challenge struct {
	Challenge string `json:"challenge"`
	Token1    string `json:"token1"`
	Token2    string `json:"token2"`
}

// AuthResult reports the outcome of the handshake.
type AuthResult struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

// Response answers a set_value/get_value request.
type Response struct {
	RequestID int64
	Success   bool
	Message   string
	Status    []Update
}

// ErrorPayload is an error reported by the charger.
type ErrorPayload struct {
	Message string `json:"message"`
	Key     string `json:"key"`
}
