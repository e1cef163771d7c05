package wattpilot

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/wattpilot/internal/auth"
)

const waitFor = 3 * time.Second

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
}

// ═══════════════════════════════════════════════════════════════════════════
// CONNECTION
// ═══════════════════════════════════════════════════════════════════════════

func TestClient_ConnectLocal(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6, "car": 1})
	c := newTestClient(t, testConfig(mock))

	connect(t, c)

	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.IsReady())
	assert.Equal(t, Int(6), c.ReadProperty("amp", Null()))
	assert.Equal(t, Int(1), c.ReadProperty("car", Null()))
	assert.Equal(t, String("x"), c.ReadProperty("missing", String("x")))

	replies := mock.Received("auth_response")
	require.Len(t, replies, 1)
	assert.Equal(t, "c769096b4d5745c128ffb221dc2e2d5cb38b4a1cae423cf413b12cbef730bc57", replies[0]["hash"])

	id := c.Identity()
	assert.Equal(t, "91234567", id.Serial)
	assert.Equal(t, "Garage", id.Name)
	assert.Equal(t, "40.7", id.Firmware)
	assert.True(t, id.FirmwareAtLeast("40.0"))
	assert.False(t, id.FirmwareAtLeast("41"))
	assert.False(t, id.Secured)
}

func TestClient_PartialFullSync(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6, "car": 1, "lmo": 3, "frc": 0})
	mock.ChunkSize = 1

	var mu sync.Mutex
	var readyWithKeys []int
	var c *Client
	c = newTestClient(t, testConfig(mock), WithStateHandler(func(s State) {
		if s == StateReady {
			mu.Lock()
			readyWithKeys = append(readyWithKeys, len(c.Snapshot().Properties))
			mu.Unlock()
		}
	}))

	connect(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{4}, readyWithKeys, "ready only after the final chunk")
}

func TestClient_ReconnectResetsInitialized(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})

	type seen struct {
		state       State
		initialized bool
	}
	var mu sync.Mutex
	var history []seen
	var c *Client
	c = newTestClient(t, testConfig(mock), WithStateHandler(func(s State) {
		mu.Lock()
		history = append(history, seen{s, c.store.Initialized()})
		mu.Unlock()
	}))
	connect(t, c)

	mock.DropAll()
	require.Eventually(t, func() bool { return mock.Connections() == 2 && c.IsReady() }, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	readies := 0
	for _, h := range history {
		switch h.state {
		case StateReady:
			readies++
			assert.True(t, h.initialized, "ready implies initialized")
		case StateDisconnected, StateConnecting, StateAuthenticating, StateSyncing:
			assert.False(t, h.initialized, "%s must not report an authoritative store", h.state)
		}
	}
	assert.Equal(t, 2, readies)
}

func TestClient_AuthFailuresAreTerminal(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	cfg := testConfig(mock)
	cfg.Password = "wrong"
	c := newTestClient(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
	assert.Equal(t, 3, mock.Connections())
	assert.Equal(t, StateDisconnected, c.State())

	// A manual connect starts over with a fresh handshake.
	err = c.Connect(ctx)
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	assert.Equal(t, 6, mock.Connections())
}

func TestClient_HandshakeTimeoutCountsAsAuthFailure(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.SilentAuth = true
	cfg := testConfig(mock)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.Reconnect.MaxAuthFailures = 1
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
	assert.Equal(t, 1, mock.Connections())
}

func TestClient_MalformedChallengeFailsAuthentication(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.Challenge = ""
	cfg := testConfig(mock)
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Reconnect.MaxAuthFailures = 1
	c := newTestClient(t, cfg)

	start := time.Now()
	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
	assert.NotContains(t, err.Error(), "handshake timeout")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, mock.Connections())
}

func TestClient_SyncTimeout(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.SkipFullSync = true
	cfg := testConfig(mock)
	cfg.SyncTimeout = 100 * time.Millisecond
	cfg.Reconnect.Enabled = false
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed), "got %v", err)
	assert.False(t, errors.Is(err, ErrAuthenticationFailed))
	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, StateSyncing, werr.Phase)
}

func TestClient_ConnectContextCancelled(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := DefaultConfig()
	cfg.Host = url
	cfg.Password = "s3cret"
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 20 * time.Millisecond
	c := newTestClient(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_MaxAttempts(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := DefaultConfig()
	cfg.Host = url
	cfg.Password = "s3cret"
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 20 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 2
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
}

func TestClient_MalformedFrameKeepsReady(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6, "car": 1})

	var mu sync.Mutex
	var states []State
	c := newTestClient(t, testConfig(mock), WithStateHandler(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	connect(t, c)

	require.NoError(t, mock.SendRaw([]byte(`{not json`)))
	require.NoError(t, mock.SendRaw([]byte(`{"value":1}`)))
	require.NoError(t, mock.SendRaw([]byte(`{"type":"full_sync","props":[1,2]}`)))
	require.NoError(t, mock.Push("amp", 7))

	require.Eventually(t, func() bool {
		return c.ReadProperty("amp", Null()).Equal(Int(7))
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 2, len(c.Snapshot().Properties))
	assert.Equal(t, 1, mock.Connections())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateReady, states[len(states)-1])
}

func TestClient_TooManyMalformedFramesDropConnection(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	cfg := testConfig(mock)
	cfg.MaxProtocolViolations = 2
	c := newTestClient(t, cfg)
	connect(t, c)

	for i := 0; i < 3; i++ {
		require.NoError(t, mock.SendRaw([]byte(`garbage`)))
	}

	require.Eventually(t, func() bool { return mock.Connections() == 2 && c.IsReady() }, waitFor, 10*time.Millisecond)
}

func TestClient_MissedPongsReconnect(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.SwallowPings = true
	cfg := testConfig(mock)
	cfg.PingInterval = 30 * time.Millisecond
	cfg.MaxMissedPongs = 2
	c := newTestClient(t, cfg)
	connect(t, c)

	require.Eventually(t, func() bool { return mock.Connections() >= 2 }, waitFor, 10*time.Millisecond)
}

func TestClient_Disconnect(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsReady())
	assert.Equal(t, Int(1), c.ReadProperty("amp", Int(1)), "no reads from a stale store")

	// Reconnect after a manual disconnect.
	connect(t, c)
	assert.Equal(t, Int(6), c.ReadProperty("amp", Null()))
	assert.Equal(t, 2, mock.Connections())
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

func TestClient_WriteConfirmed(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "amp", 16)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, out.Status)
	assert.Equal(t, Int(16), out.Value)
	assert.Equal(t, Int(16), c.ReadProperty("amp", Null()))

	sent := mock.Received("set_value")
	require.Len(t, sent, 1)
	assert.Equal(t, "amp", sent[0]["key"])
	assert.Equal(t, float64(16), sent[0]["value"])
}

func TestClient_WriteClamped(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.Clamp = map[string]float64{"amp": 15}
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "amp", 16)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, out.Status)
	assert.Equal(t, Int(15), out.Value)
	assert.Equal(t, Int(15), c.ReadProperty("amp", Null()))
}

func TestClient_WriteExactMatchTimesOutOnClamp(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.Clamp = map[string]float64{"amp": 15}
	cfg := testConfig(mock)
	cfg.Match = MatchExact
	c := newTestClient(t, cfg)
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "amp", 16, WithTimeout(100*time.Millisecond))
	assert.Equal(t, Unconfirmed, out.Status)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
}

func TestClient_WriteUnconfirmed(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.IgnoreWrites = true
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "amp", 16, WithTimeout(100*time.Millisecond))
	assert.Equal(t, Unconfirmed, out.Status)
	assert.True(t, errors.Is(err, ErrCommandTimeout), "got %v", err)
	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "amp", werr.Key)
	assert.Equal(t, Int(6), c.ReadProperty("amp", Null()), "store keeps the charger's value")
	assert.Equal(t, 0, c.tracker.Pending())
}

func TestClient_WriteUnconfirmedAcrossReconnect(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.IgnoreWrites = true
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	dropped := make(chan struct{})
	go func() {
		defer close(dropped)
		deadline := time.Now().Add(waitFor)
		for len(mock.Received("set_value")) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		mock.DropAll()
	}()

	out, err := c.WriteProperty(context.Background(), "amp", 16, WithTimeout(time.Second))
	<-dropped
	assert.Equal(t, Unconfirmed, out.Status, "resync must not confirm the write")
	assert.True(t, errors.Is(err, ErrCommandTimeout), "got %v", err)
	assert.GreaterOrEqual(t, mock.Connections(), 2)
	assert.Eventually(t, func() bool {
		return c.ReadProperty("amp", Null()).Equal(Int(6))
	}, waitFor, 10*time.Millisecond)
}

func TestClient_WriteNonFiniteNumberIsRejected(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "amp", math.NaN())
	assert.Equal(t, Rejected, out.Status)
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
	assert.False(t, errors.Is(err, ErrConnectionFailed))
	assert.Empty(t, mock.Received("set_value"))
	assert.True(t, c.IsReady())
}

func TestClient_WriteRejected(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.RejectKeys = map[string]string{"amp": "Value out of range"}
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "amp", 99)
	assert.Equal(t, Rejected, out.Status)
	assert.Equal(t, "Value out of range", out.Reason)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestClient_WriteForceType(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"fna": "Garage"})
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	out, err := c.WriteProperty(context.Background(), "fna", 42, ForceType(KindString))
	require.NoError(t, err)
	assert.Equal(t, String("42"), out.Value)
	assert.Equal(t, "42", mock.Received("set_value")[0]["value"])
}

func TestClient_WriteNotReady(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	c := newTestClient(t, testConfig(mock))

	out, err := c.WriteProperty(context.Background(), "amp", 16)
	assert.Equal(t, Rejected, out.Status)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Empty(t, mock.Received("set_value"))
}

func TestClient_WriteWaitsForReady(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	cfg := testConfig(mock)
	cfg.WritePolicy = WaitForReady
	c := newTestClient(t, cfg)

	c.conn.start()
	done := make(chan error, 1)
	go func() {
		_, err := c.WriteProperty(context.Background(), "amp", 10)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("write did not complete after connect")
	}
}

func TestClient_DisconnectCancelsPendingWrites(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.IgnoreWrites = true
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.WriteProperty(context.Background(), "amp", 16, WithTimeout(time.Minute))
		done <- result{out, err}
	}()
	require.Eventually(t, func() bool { return c.tracker.Pending() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())

	select {
	case r := <-done:
		assert.Equal(t, Cancelled, r.out.Status)
		assert.True(t, errors.Is(r.err, ErrCancelled))
	case <-time.After(waitFor):
		t.Fatal("pending write was not cancelled")
	}
}

func TestClient_ReadPropertyFresh(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6, "nrg": []any{230, 231, 229}})
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	v, err := c.ReadPropertyFresh(context.Background(), "nrg", Null())
	require.NoError(t, err)
	assert.Equal(t, Array(Int(230), Int(231), Int(229)), v)

	v, err = c.ReadPropertyFresh(context.Background(), "nope", Int(-1))
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, Int(-1), v)
}

// ═══════════════════════════════════════════════════════════════════════════
// FIRMWARE DIALECT
// ═══════════════════════════════════════════════════════════════════════════

func TestClient_FirmwareSecuredWrite(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6, "car": 1})
	mock.Firmware = true
	mock.Secured = true
	mock.Serial = "12345678"
	mock.Secret = "password"
	cfg := testConfig(mock)
	cfg.HandshakeTimeout = 10 * time.Second
	c := newTestClient(t, cfg)
	connect(t, c)

	id := c.Identity()
	assert.Equal(t, "12345678", id.Serial)
	assert.True(t, id.Secured)

	out, err := c.WriteProperty(context.Background(), "amp", 16)
	require.NoError(t, err)
	assert.Equal(t, Int(16), out.Value)

	sealed := mock.Received("securedMsg")
	require.Len(t, sealed, 1)
	assert.Equal(t, "1sm", sealed[0]["requestId"])
	assert.Empty(t, mock.Received("setValue"))

	var inner map[string]any
	require.NoError(t, json.Unmarshal([]byte(sealed[0]["data"].(string)), &inner))
	assert.Equal(t, "setValue", inner["type"])
	assert.Equal(t, "amp", inner["key"])

	auths := mock.Received("auth")
	require.Len(t, auths, 1)
	token3 := auths[0]["token3"].(string)
	assert.Len(t, token3, 32)
	assert.Equal(t, auth.FirmwareHash(auth.DeriveKey("password", "12345678"), "tok1", "tok2", token3), auths[0]["hash"])
}

func TestClient_FirmwareDeltaStatus(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.Firmware = true
	mock.Serial = "12345678"
	mock.Secret = "password"
	cfg := testConfig(mock)
	cfg.HandshakeTimeout = 10 * time.Second
	c := newTestClient(t, cfg)
	connect(t, c)

	changes := make(chan Change, 4)
	c.Subscribe("amp", func(ch Change) { changes <- ch })
	require.NoError(t, mock.Push("amp", 12))

	select {
	case ch := <-changes:
		assert.Equal(t, Int(12), ch.Value)
		assert.Equal(t, SourcePush, ch.Source)
	case <-time.After(waitFor):
		t.Fatal("no change delivered")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// CLOUD
// ═══════════════════════════════════════════════════════════════════════════

type staticTokens struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (s *staticTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokens) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

func cloudConfig(mock *MockCharger, tokens TokenSource) Config {
	cfg := testConfig(mock)
	cfg.Mode = ModeCloud
	cfg.Host = ""
	cfg.Serial = mock.Serial
	cfg.Cloud.RelayURL = strings.TrimSuffix(mock.URL(), "/ws") + "/app"
	cfg.Tokens = tokens
	return cfg
}

func TestClient_CloudRelay(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.Bearer = "relay-token"
	c := newTestClient(t, cloudConfig(mock, &staticTokens{token: "relay-token"}))

	connect(t, c)
	assert.Equal(t, Int(6), c.ReadProperty("amp", Null()))
}

func TestClient_CloudRelayRefusesToken(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	mock.Bearer = "relay-token"
	tokens := &staticTokens{token: "expired"}
	cfg := cloudConfig(mock, tokens)
	cfg.Reconnect.MaxAuthFailures = 2
	c := newTestClient(t, cfg)

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.Equal(t, 2, tokens.invalidated)
}

// ═══════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS & DIAGNOSTICS
// ═══════════════════════════════════════════════════════════════════════════

func TestClient_Subscribe(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6, "car": 1})
	c := newTestClient(t, testConfig(mock))

	all := make(chan Change, 16)
	amp := make(chan Change, 16)
	c.Subscribe(AllProperties, func(ch Change) { all <- ch })
	sub := c.Subscribe("amp", func(ch Change) { amp <- ch })

	connect(t, c)

	got := map[string]Source{}
	for len(got) < 2 {
		select {
		case ch := <-all:
			got[ch.Key] = ch.Source
		case <-time.After(waitFor):
			t.Fatalf("full sync not published, got %v", got)
		}
	}
	assert.Equal(t, SourceFullSync, got["car"])

	require.NoError(t, mock.Push("car", 2))
	select {
	case ch := <-all:
		assert.Equal(t, "car", ch.Key)
		assert.Equal(t, Int(2), ch.Value)
	case <-time.After(waitFor):
		t.Fatal("push not published")
	}

	<-amp // full sync
	assert.True(t, c.Unsubscribe(sub))
	require.NoError(t, mock.Push("amp", 8))
	require.Eventually(t, func() bool { return c.ReadProperty("amp", Null()).Equal(Int(8)) }, waitFor, 10*time.Millisecond)
	assert.Empty(t, amp)
}

func TestClient_Diagnostics(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{
		"amp":   6,
		"wifis": []any{map[string]any{"ssid": "home", "key": "hunter2"}},
		"cak":   "secret-key",
	})
	c := newTestClient(t, testConfig(mock))
	connect(t, c)

	d := c.Diagnostics()
	assert.Equal(t, "ready", d.State)
	assert.True(t, d.Initialized)
	assert.Equal(t, Redacted, d.Config.Password)
	assert.Equal(t, Redacted, d.Config.Host)
	assert.Equal(t, "", d.Config.Serial)
	assert.Equal(t, Redacted, d.Identity.Serial)
	assert.Equal(t, Int(6), d.Properties["amp"])
	assert.Equal(t, String(Redacted), d.Properties["wifis"])
	assert.Equal(t, String(Redacted), d.Properties["cak"])

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "s3cret")
}

func TestClient_MetricsRegistration(t *testing.T) {
	mock := NewMockCharger(t, map[string]any{"amp": 6})
	reg := prometheus.NewRegistry()
	cfg := testConfig(mock)
	cfg.Serial = "91234567"

	c := newTestClient(t, cfg, WithRegisterer(reg))
	connect(t, c)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["wattpilot_client_connection_state"])
	assert.True(t, names["wattpilot_client_connections_ready_total"])

	_, err = New(cfg, WithRegisterer(reg))
	assert.Error(t, err, "same charger registered twice")
}
