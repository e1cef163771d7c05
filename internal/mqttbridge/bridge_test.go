package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/wattpilot"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// stalledToken never completes.
type stalledToken struct{}

func (stalledToken) Wait() bool                     { return false }
func (stalledToken) WaitTimeout(time.Duration) bool { return false }
func (stalledToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (stalledToken) Error() error                   { return nil }

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	subscribed []string
	handler    mqtt.MessageHandler
	stall      bool
}

func (f *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	f.published = append(f.published, published{topic, s, retained})
	if f.stall {
		return stalledToken{}
	}
	return doneToken{}
}

func (f *fakeBroker) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	f.handler = callback
	return doneToken{}
}

func (f *fakeBroker) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return published{}, false
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeCharger struct {
	mu     sync.Mutex
	props  map[string]wattpilot.Value
	writes map[string]wattpilot.Value
}

func (f *fakeCharger) Identity() wattpilot.Identity { return wattpilot.Identity{Serial: "91234567"} }

func (f *fakeCharger) Snapshot() wattpilot.Snapshot {
	return wattpilot.Snapshot{Properties: f.props, Initialized: true}
}

func (f *fakeCharger) Subscribe(string, func(wattpilot.Change)) wattpilot.Subscription {
	return wattpilot.Subscription{}
}

func (f *fakeCharger) Unsubscribe(wattpilot.Subscription) bool { return true }

func (f *fakeCharger) WriteProperty(ctx context.Context, key string, value any, opts ...wattpilot.WriteOption) (wattpilot.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := value.(wattpilot.Value)
	f.writes[key] = v
	return wattpilot.Outcome{Status: wattpilot.Confirmed, Key: key, Value: v}, nil
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeBroker, *fakeCharger) {
	t.Helper()
	charger := &fakeCharger{
		props:  map[string]wattpilot.Value{"amp": wattpilot.Int(16), "car": wattpilot.Int(2)},
		writes: map[string]wattpilot.Value{},
	}
	b := New(cfg, charger, zerolog.Nop())
	b.init(context.Background())
	fb := &fakeBroker{}
	b.client = fb
	return b, fb, charger
}

func TestBridge_Topics(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{Prefix: "home/wattpilot/"})
	assert.Equal(t, "home/wattpilot/91234567/amp", b.topic("amp"))

	b, _, _ = newTestBridge(t, Config{Prefix: "wp", Serial: "garage"})
	assert.Equal(t, "wp/garage/amp", b.topic("amp"))

	tests := []struct {
		topic string
		key   string
		ok    bool
	}{
		{"wp/garage/amp/set", "amp", true},
		{"wp/garage/amp", "", false},
		{"wp/other/amp/set", "", false},
		{"wp/garage//set", "", false},
		{"wp/garage/a/b/set", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			key, ok := b.parseSetTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestBridge_OnConnectPublishesSnapshot(t *testing.T) {
	b, fb, _ := newTestBridge(t, Config{Prefix: "wp", Retain: true})
	b.onConnect()

	assert.Equal(t, []string{"wp/91234567/+/set"}, fb.subscribed)

	status, ok := fb.last("wp/91234567/status")
	require.True(t, ok)
	assert.Equal(t, "online", status.payload)
	assert.True(t, status.retain)

	amp, ok := fb.last("wp/91234567/amp")
	require.True(t, ok)
	assert.Equal(t, "16", amp.payload)
	assert.True(t, amp.retain)
}

func TestBridge_PublishChange(t *testing.T) {
	b, fb, _ := newTestBridge(t, Config{Prefix: "wp"})
	b.publishChange(wattpilot.Change{Key: "nrg", Value: wattpilot.Array(wattpilot.Int(230), wattpilot.Int(231))})

	msg, ok := fb.last("wp/91234567/nrg")
	require.True(t, ok)
	assert.Equal(t, "[230,231]", msg.payload)
	assert.False(t, msg.retain)
}

func TestBridge_HandleSet(t *testing.T) {
	b, fb, charger := newTestBridge(t, Config{Prefix: "wp"})
	b.onConnect()
	require.NotNil(t, fb.handler)

	fb.handler(nil, fakeMessage{topic: "wp/91234567/amp/set", payload: []byte("10")})

	require.Eventually(t, func() bool {
		_, ok := fb.last("wp/91234567/amp/result")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	charger.mu.Lock()
	assert.Equal(t, wattpilot.Int(10), charger.writes["amp"])
	charger.mu.Unlock()

	res, _ := fb.last("wp/91234567/amp/result")
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.payload), &body))
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, float64(10), body["value"])
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		payload string
		want    wattpilot.Value
	}{
		{"16", wattpilot.Int(16)},
		{"true", wattpilot.Bool(true)},
		{`"Garage"`, wattpilot.String("Garage")},
		{"Garage", wattpilot.String("Garage")},
		{" plain text ", wattpilot.String("plain text")},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			assert.True(t, tt.want.Equal(ParsePayload([]byte(tt.payload))), "got %s", ParsePayload([]byte(tt.payload)))
		})
	}
}

func TestBridge_Wait(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{Prefix: "wp"})
	b.timeout = 10 * time.Millisecond
	brokerErr := errors.New("not authorized")

	tests := []struct {
		name  string
		token mqtt.Token
		want  error
	}{
		{"done", doneToken{}, nil},
		{"failed", doneToken{err: brokerErr}, brokerErr},
		{"stalled", stalledToken{}, errTokenTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.wait(tt.token))
		})
	}
}

func TestBridge_PublishTimeoutIsLogged(t *testing.T) {
	b, fb, _ := newTestBridge(t, Config{Prefix: "wp"})
	var buf bytes.Buffer
	b.log = zerolog.New(&buf)
	b.timeout = 10 * time.Millisecond
	fb.stall = true

	b.publishChange(wattpilot.Change{Key: "amp", Value: wattpilot.Int(16)})

	assert.Contains(t, buf.String(), "publish failed")
	assert.Contains(t, buf.String(), errTokenTimeout.Error())
}
