package wattpilot

import "github.com/markus-barta/wattpilot/internal/protocol"

// Redacted replaces sensitive values in diagnostics.
const Redacted = "**REDACTED**"

// Properties that may carry credentials, network scans or certificates.
var redactedProperties = map[string]struct{}{
	"wifis":  {},
	"scan":   {},
	"data":   {},
	"dll":    {},
	"cak":    {},
	"ocppck": {},
	"ocppcc": {},
	"ocppsc": {},
}

// Diagnostics is a support dump that is safe to share.
type Diagnostics struct {
	State           string           `json:"state"`
	Initialized     bool             `json:"initialized"`
	Config          DiagnosticConfig `json:"config"`
	Identity        Identity         `json:"identity"`
	StoreVersion    uint64           `json:"store_version"`
	PendingCommands int              `json:"pending_commands"`
	DroppedEvents   uint64           `json:"dropped_events"`
	Properties      map[string]Value `json:"properties"`
}

// DiagnosticConfig is the redacted connection configuration.
type DiagnosticConfig struct {
	Mode        string `json:"mode"`
	Host        string `json:"host"`
	Serial      string `json:"serial"`
	Password    string `json:"password"`
	WritePolicy string `json:"write_policy"`
	Reconnect   bool   `json:"reconnect"`
}

// Diagnostics returns the client state with secrets and sensitive
// properties redacted.
func (c *Client) Diagnostics() Diagnostics {
	snap := c.store.All()
	props := make(map[string]Value, len(snap.Properties))
	for k, v := range snap.Properties {
		if _, ok := redactedProperties[k]; ok {
			v = protocol.String(Redacted)
		}
		props[k] = v
	}

	id := c.Identity()
	if id.Serial != "" {
		id.Serial = Redacted
	}

	return Diagnostics{
		State:       c.State().String(),
		Initialized: snap.Initialized,
		Config: DiagnosticConfig{
			Mode:        c.cfg.Mode.String(),
			Host:        redact(c.cfg.Host),
			Serial:      redact(c.cfg.Serial),
			Password:    redact(c.cfg.Password),
			WritePolicy: c.cfg.WritePolicy.String(),
			Reconnect:   c.cfg.Reconnect.Enabled,
		},
		Identity:        id,
		StoreVersion:    snap.Version,
		PendingCommands: c.tracker.Pending(),
		DroppedEvents:   c.events.Dropped(),
		Properties:      props,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return Redacted
}
