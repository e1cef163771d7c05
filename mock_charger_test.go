package wattpilot

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot/internal/auth"
)

// MockCharger simulates a charger's WebSocket endpoint for testing.
type MockCharger struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       []*websocket.Conn
	received    []map[string]any
	connections int
	props       map[string]any
	derivedKey  string

	// Behaviour, set before the client connects.
	Serial       string
	Secret       string
	Challenge    string
	Firmware     bool // speak the camelCase firmware dialect
	Secured      bool // demand HMAC-wrapped writes
	RejectAuth   bool
	SilentAuth   bool // never send a challenge
	SkipFullSync bool
	ChunkSize    int    // split the full sync into partial chunks
	Bearer       string // require this relay token
	IgnoreWrites bool
	SwallowPings bool
	Clamp        map[string]float64
	RejectKeys   map[string]string
}

// NewMockCharger creates a mock charger holding props.
func NewMockCharger(t *testing.T, props map[string]any) *MockCharger {
	m := &MockCharger{
		t:         t,
		props:     props,
		Serial:    "91234567",
		Secret:    "s3cret",
		Challenge: "abc123",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWS))
	t.Cleanup(m.Close)
	return m
}

// URL returns the WebSocket URL for the mock charger.
func (m *MockCharger) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

// Close shuts down the mock charger.
func (m *MockCharger) Close() {
	m.DropAll()
	m.server.Close()
}

// DropAll closes every open connection without a close handshake.
func (m *MockCharger) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		_ = conn.Close() // Ignore close errors in cleanup
	}
}

// Connections returns how many sockets were accepted so far.
func (m *MockCharger) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections
}

// Received returns all frames sent by clients with the given types.
func (m *MockCharger) Received(types ...string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, msg := range m.received {
		for _, typ := range types {
			if msg["type"] == typ {
				out = append(out, msg)
				break
			}
		}
	}
	return out
}

// SendRaw sends data to the most recent connection.
func (m *MockCharger) SendRaw(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1].WriteMessage(websocket.TextMessage, data)
}

// Push sends an unsolicited property update.
func (m *MockCharger) Push(key string, value any) error {
	m.mu.Lock()
	m.props[key] = value
	m.mu.Unlock()

	var msg map[string]any
	if m.Firmware {
		msg = map[string]any{"type": "deltaStatus", "status": map[string]any{key: value}}
	} else {
		msg = map[string]any{"type": "property_update", "key": key, "value": value}
	}
	data, _ := json.Marshal(msg)
	return m.SendRaw(data)
}

func (m *MockCharger) handleWS(w http.ResponseWriter, r *http.Request) {
	if m.Bearer != "" && r.Header.Get("Authorization") != "Bearer "+m.Bearer {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.t.Logf("WebSocket upgrade failed: %v", err)
		return
	}
	if m.SwallowPings {
		conn.SetPingHandler(func(string) error { return nil })
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.connections++
	m.mu.Unlock()

	defer func() {
		_ = conn.Close() // Ignore close error in cleanup
		m.mu.Lock()
		for i, c := range m.conns {
			if c == conn {
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()

	m.mu.Lock()
	m.send(conn, map[string]any{
		"type":          "hello",
		"serial":        m.Serial,
		"hostname":      "Wattpilot_" + m.Serial,
		"friendly_name": "Garage",
		"manufacturer":  "fronius",
		"devicetype":    "wattpilot",
		"version":       "40.7",
		"secured":       m.Secured,
	})
	if !m.SilentAuth {
		if m.Firmware {
			m.send(conn, map[string]any{"type": "authRequired", "token1": "tok1", "token2": "tok2"})
		} else {
			m.send(conn, map[string]any{"type": "auth_challenge", "challenge": m.Challenge})
		}
	}
	m.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			m.t.Logf("Failed to parse message: %v", err)
			continue
		}

		m.mu.Lock()
		m.received = append(m.received, msg)
		m.handle(conn, msg)
		m.mu.Unlock()
	}
}

// handle answers one client frame. m.mu is held.
func (m *MockCharger) handle(conn *websocket.Conn, msg map[string]any) {
	switch msg["type"] {
	case "auth_response":
		if m.RejectAuth || msg["hash"] != auth.LocalHash(m.Secret, m.Challenge) {
			m.send(conn, map[string]any{"type": "auth_result", "approved": false, "message": "wrong password"})
			return
		}
		m.send(conn, map[string]any{"type": "auth_result", "approved": true})
		m.fullSync(conn)

	case "auth":
		token3, _ := msg["token3"].(string)
		if m.RejectAuth || msg["hash"] != auth.FirmwareHash(m.key(), "tok1", "tok2", token3) {
			m.send(conn, map[string]any{"type": "authError", "message": "Wrong password"})
			return
		}
		m.send(conn, map[string]any{"type": "authSuccess"})
		m.fullSync(conn)

	case "set_value", "setValue":
		if m.Secured {
			m.respond(conn, msg, false, "unsecured write", nil)
			return
		}
		m.set(conn, msg)

	case "secured_msg", "securedMsg":
		data, _ := msg["data"].(string)
		if auth.Sign(m.key(), []byte(data)) != msg["hmac"] {
			m.respond(conn, msg, false, "invalid hmac", nil)
			return
		}
		var inner map[string]any
		if err := json.Unmarshal([]byte(data), &inner); err != nil {
			m.respond(conn, msg, false, "invalid payload", nil)
			return
		}
		m.set(conn, inner)

	case "get_value":
		key, _ := msg["key"].(string)
		v, ok := m.props[key]
		if !ok {
			m.respond(conn, msg, false, "unknown key", nil)
			return
		}
		m.respond(conn, msg, true, "", map[string]any{key: v})

	case "ping":
		m.send(conn, map[string]any{"type": "pong"})
	}
}

func (m *MockCharger) set(conn *websocket.Conn, msg map[string]any) {
	if m.IgnoreWrites {
		return
	}
	key, _ := msg["key"].(string)
	value := msg["value"]
	if reason, ok := m.RejectKeys[key]; ok {
		m.respond(conn, msg, false, reason, nil)
		return
	}
	if limit, ok := m.Clamp[key]; ok {
		if f, isNum := value.(float64); isNum && f > limit {
			value = limit
		}
	}
	m.props[key] = value

	if m.Firmware {
		m.respond(conn, msg, true, "", map[string]any{key: value})
		return
	}
	m.send(conn, map[string]any{"type": "property_update", "key": key, "value": value})
	m.respond(conn, msg, true, "", nil)
}

func (m *MockCharger) respond(conn *websocket.Conn, req map[string]any, success bool, message string, status map[string]any) {
	resp := map[string]any{"type": "response", "success": success}
	if message != "" {
		resp["message"] = message
	}
	if status != nil {
		resp["status"] = status
	}
	if id, ok := req["requestId"]; ok {
		resp["requestId"] = id
	} else {
		resp["request_id"] = req["request_id"]
	}
	m.send(conn, resp)
}

func (m *MockCharger) fullSync(conn *websocket.Conn) {
	if m.SkipFullSync {
		return
	}
	keys := make([]string, 0, len(m.props))
	for k := range m.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	size := m.ChunkSize
	if size <= 0 || size > len(keys) {
		size = len(keys)
	}
	for start := 0; ; start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunk := make(map[string]any)
		for _, k := range keys[start:end] {
			chunk[k] = m.props[k]
		}
		partial := end < len(keys)
		if m.Firmware {
			m.send(conn, map[string]any{"type": "fullStatus", "status": chunk, "partial": partial})
		} else {
			m.send(conn, map[string]any{"type": "full_sync", "props": chunk, "partial": partial})
		}
		if !partial {
			return
		}
	}
}

func (m *MockCharger) key() string {
	if m.derivedKey == "" {
		m.derivedKey = auth.DeriveKey(m.Secret, m.Serial)
	}
	return m.derivedKey
}

func (m *MockCharger) send(conn *websocket.Conn, msg map[string]any) {
	data, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.t.Logf("mock send failed: %v", err)
	}
}

// testConfig returns a config pointing at m with fast retries.
func testConfig(m *MockCharger) Config {
	cfg := DefaultConfig()
	cfg.Host = m.URL()
	cfg.Password = m.Secret
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.SyncTimeout = 2 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.PingInterval = 0
	return cfg
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
