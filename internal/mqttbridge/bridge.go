// Package mqttbridge mirrors charger properties to an MQTT broker and turns
// messages on <prefix>/<serial>/<key>/set into property writes.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot"
)

const (
	setSuffix    = "/set"
	resultSuffix = "/result"
	statusKey    = "status"

	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
)

var errTokenTimeout = errors.New("timed out waiting for broker")

// Charger is the part of *wattpilot.Client the bridge needs.
type Charger interface {
	Identity() wattpilot.Identity
	Snapshot() wattpilot.Snapshot
	Subscribe(key string, fn func(wattpilot.Change)) wattpilot.Subscription
	Unsubscribe(sub wattpilot.Subscription) bool
	WriteProperty(ctx context.Context, key string, value any, opts ...wattpilot.WriteOption) (wattpilot.Outcome, error)
}

// Config configures the bridge.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	Serial   string // topic segment, defaults to the charger's serial
	QoS      byte
	Retain   bool
}

// broker is the subset of mqtt.Client used by the bridge.
type broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Bridge connects one charger to one broker.
type Bridge struct {
	cfg     Config
	charger Charger
	log     zerolog.Logger

	timeout time.Duration

	mu     sync.Mutex
	client broker
	base   string // <prefix>/<serial>
	ctx    context.Context
}

// New creates a bridge. Call Run to connect.
func New(cfg Config, charger Charger, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:     cfg,
		charger: charger,
		log:     log.With().Str("component", "mqtt").Logger(),
		timeout: publishTimeout,
	}
}

// Run connects to the broker and mirrors properties until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	b.init(ctx)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)
	opts.SetWill(b.topic(statusKey), "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) { b.onConnect() })
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.log.Warn().Err(err).Msg("broker connection lost")
	})

	client := mqtt.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	b.log.Info().Str("broker", b.cfg.Broker).Str("base", b.base).Msg("connecting to broker")
	if err := b.wait(client.Connect()); errors.Is(err, errTokenTimeout) {
		b.log.Warn().Err(err).Msg("broker not reachable yet, retrying in background")
	} else if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	sub := b.charger.Subscribe(wattpilot.AllProperties, b.publishChange)
	<-ctx.Done()
	b.charger.Unsubscribe(sub)

	if client.IsConnected() {
		b.publish(b.topic(statusKey), "offline", true)
	}
	client.Disconnect(quiesceMillis)
	b.log.Info().Msg("disconnected from broker")
	return nil
}

func (b *Bridge) init(ctx context.Context) {
	serial := b.cfg.Serial
	if serial == "" {
		serial = b.charger.Identity().Serial
	}
	if serial == "" {
		serial = "charger"
	}
	b.ctx = ctx
	b.base = strings.TrimSuffix(b.cfg.Prefix, "/") + "/" + serial
}

// onConnect runs after every (re)connect: subscriptions are not persistent.
func (b *Bridge) onConnect() {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	filter := b.base + "/+" + setSuffix
	if err := b.wait(client.Subscribe(filter, b.cfg.QoS, b.handleSet)); err != nil {
		b.log.Error().Err(err).Str("topic", filter).Msg("subscribe failed")
	}
	b.publish(b.topic(statusKey), "online", true)

	snap := b.charger.Snapshot()
	if !snap.Initialized {
		return
	}
	for _, key := range snap.Keys() {
		b.publishValue(key, snap.Properties[key])
	}
	b.log.Info().Int("properties", len(snap.Properties)).Msg("published snapshot")
}

func (b *Bridge) publishChange(c wattpilot.Change) {
	b.publishValue(c.Key, c.Value)
}

func (b *Bridge) publishValue(key string, v wattpilot.Value) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("cannot encode value")
		return
	}
	b.publish(b.topic(key), data, b.cfg.Retain)
}

func (b *Bridge) publish(topic string, payload any, retain bool) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}
	if err := b.wait(client.Publish(topic, b.cfg.QoS, retain, payload)); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

// wait blocks until t completes or the bridge timeout passes.
func (b *Bridge) wait(t mqtt.Token) error {
	if !t.WaitTimeout(b.timeout) {
		return errTokenTimeout
	}
	return t.Error()
}

// handleSet writes the payload of a .../<key>/set message.
func (b *Bridge) handleSet(_ mqtt.Client, m mqtt.Message) {
	key, ok := b.parseSetTopic(m.Topic())
	if !ok {
		return
	}
	value := ParsePayload(m.Payload())

	go func() {
		out, err := b.charger.WriteProperty(b.ctx, key, value)
		ev := b.log.Info()
		if err != nil {
			ev = b.log.Warn().Err(err)
		}
		ev.Str("key", key).Str("outcome", out.Status.String()).Msg("write from mqtt")

		result := map[string]any{"status": out.Status.String()}
		if out.Status == wattpilot.Confirmed {
			result["value"] = out.Value
		}
		if out.Reason != "" {
			result["reason"] = out.Reason
		}
		data, _ := json.Marshal(result)
		b.publish(b.topic(key)+resultSuffix, data, false)
	}()
}

func (b *Bridge) topic(key string) string {
	return b.base + "/" + key
}

// parseSetTopic extracts the property key from <base>/<key>/set.
func (b *Bridge) parseSetTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.base+"/")
	if !ok {
		return "", false
	}
	key, ok := strings.CutSuffix(rest, setSuffix)
	if !ok || key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

// ParsePayload reads a set payload as JSON, falling back to a plain string
// so that "Garage" and "\"Garage\"" both work.
func ParsePayload(payload []byte) wattpilot.Value {
	var v wattpilot.Value
	if err := json.Unmarshal(payload, &v); err == nil {
		return v
	}
	return wattpilot.String(strings.TrimSpace(string(payload)))
}
