package wattpilot

import "github.com/markus-barta/wattpilot/internal/protocol"

// State is the connection state of a Client.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSyncing
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Identity describes the connected charger. It is fixed for the lifetime of
// a connection.
type Identity struct {
	Serial       string `json:"serial"`
	Name         string `json:"name"`
	Firmware     string `json:"firmware"`
	Hostname     string `json:"hostname,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	DeviceType   string `json:"device_type,omitempty"`
	Secured      bool   `json:"secured"`
}

// FirmwareAtLeast reports whether the charger runs firmware v or newer.
// Unknown firmware never qualifies.
func (i Identity) FirmwareAtLeast(v string) bool {
	if i.Firmware == "" {
		return false
	}
	return protocol.CompareVersions(i.Firmware, v) >= 0
}

// Properties the charger reports its identity in when hello is incomplete.
const (
	keySerial   = "sse"
	keyName     = "fna"
	keyFirmware = "fwv"
)
