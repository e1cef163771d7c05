// Package wattpilot is a client for the WebSocket protocol spoken by Fronius
// Wattpilot and go-e EV chargers.
//
// A Client authenticates against the charger (directly on the LAN or through
// the vendor relay), keeps a live copy of every property the charger reports,
// and confirms writes by watching the charger echo them back. Reads are served
// from the local copy and never touch the network unless a fresh value is
// requested explicitly.
//
//	c, err := wattpilot.New(cfg, wattpilot.WithLogger(log))
//	if err != nil { ... }
//	if err := c.Connect(ctx); err != nil { ... }
//	defer c.Close()
//
//	amp := c.ReadProperty("amp", wattpilot.Int(6))
//	out, err := c.WriteProperty(ctx, "amp", 16)
package wattpilot

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot/internal/auth"
	"github.com/markus-barta/wattpilot/internal/cloud"
	"github.com/markus-barta/wattpilot/internal/commands"
	"github.com/markus-barta/wattpilot/internal/events"
	"github.com/markus-barta/wattpilot/internal/metrics"
	"github.com/markus-barta/wattpilot/internal/protocol"
	"github.com/markus-barta/wattpilot/internal/store"
)

// Version is the library version.
const Version = "0.3.0"

// AllProperties subscribes to every property.
const AllProperties = events.All

type (
	// Change is a property change delivered to subscribers.
	Change = events.Change
	// Source tells whether a change was pushed, part of a full sync or
	// carried by a command response.
	Source = events.Source
	// Subscription identifies a registered observer.
	Subscription = events.Subscription
	// Snapshot is a consistent copy of all known properties.
	Snapshot = store.Snapshot
	// Outcome is the result of a write or fresh read.
	Outcome = commands.Outcome
	// CommandStatus is the final state of a command.
	CommandStatus = commands.Status
)

const (
	SourcePush     = events.SourcePush
	SourceFullSync = events.SourceFullSync
	SourceResponse = events.SourceResponse

	Confirmed   = commands.StatusConfirmed
	Unconfirmed = commands.StatusUnconfirmed
	Rejected    = commands.StatusRejected
	Cancelled   = commands.StatusCancelled
)

// Option configures a Client.
type Option func(*options)

type options struct {
	log        zerolog.Logger
	registerer prometheus.Registerer
	dialer     *websocket.Dialer
	onState    func(State)
	tokenStore TokenStore
	httpClient *http.Client
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegisterer registers the client's Prometheus metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStateHandler calls fn on every state change, from the receive loop.
// fn must not block.
func WithStateHandler(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

// WithTokenStore persists relay session tokens in cloud mode.
func WithTokenStore(s TokenStore) Option {
	return func(o *options) { o.tokenStore = s }
}

// WithHTTPClient sets the client used for the relay token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Client is a connection to one charger.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	conn    *manager
	store   *store.Store
	tracker *commands.Tracker
	events  *events.Dispatcher
}

// New creates a Client. It does not connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	tokens := cfg.Tokens
	if cfg.Mode == ModeCloud && tokens == nil {
		ex := cloud.NewExchanger(cfg.Cloud.TokenURL, o.httpClient, o.log)
		tokens = cloud.NewSource(ex, o.tokenStore, cloud.Credentials{
			Serial:   cfg.Serial,
			Username: cfg.Cloud.Username,
			Password: cfg.Password,
		}, o.log)
	}
	neg, err := auth.NewNegotiator(auth.Target{
		Mode:     cfg.Mode,
		Host:     cfg.Host,
		RelayURL: cfg.Cloud.RelayURL,
		Serial:   cfg.Serial,
		Secret:   cfg.Password,
		Tokens:   tokens,
	})
	if err != nil {
		return nil, err
	}

	var met *metrics.Metrics
	if o.registerer != nil {
		label := cfg.Serial
		if label == "" {
			label = cfg.Host
		}
		met = metrics.New(prometheus.Labels{"charger": label})
		if err := met.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	st := store.New()
	tracker := commands.New(o.log, commands.Options{
		Match: cfg.Match,
		OnResolve: func(out commands.Outcome) {
			met.Command(out.Status.String(), out.Latency)
		},
	})
	disp := events.New(o.log, events.Options{
		QueueSize: cfg.EventQueueSize,
		OnDrop:    func(events.Change) { met.EventDropped() },
	})

	log := o.log.With().Str("component", "client").Str("mode", cfg.Mode.String()).Logger()
	c := &Client{
		cfg:     cfg,
		log:     log,
		store:   st,
		tracker: tracker,
		events:  disp,
		conn: &manager{
			cfg:     cfg,
			log:     o.log.With().Str("component", "conn").Logger(),
			neg:     neg,
			dialer:  dialer,
			store:   st,
			tracker: tracker,
			events:  disp,
			metrics: met,
			onState: o.onState,
			changed: make(chan struct{}),
		},
	}
	met.SetState(StateDisconnected.String())
	return c, nil
}

// Connect starts the connection and blocks until the charger is ready, the
// reconnect policy gives up or ctx ends. If ctx ends first the client is
// stopped again. Calling Connect on a running client only waits.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Msg("connecting")
	c.conn.start()
	err := c.conn.waitReady(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		phase := c.conn.State()
		c.conn.stop()
		return &Error{Phase: phase, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())}
	}
	return err
}

// Disconnect stops the connection and cancels pending commands. Subscribers
// stay registered.
func (c *Client) Disconnect() error {
	c.conn.stop()
	return nil
}

// Reconnect drops the current connection and connects again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.conn.stop()
	return c.Connect(ctx)
}

// Close disconnects and shuts down all subscribers.
func (c *Client) Close() error {
	c.conn.stop()
	c.events.Close()
	return nil
}

// State returns the connection state.
func (c *Client) State() State { return c.conn.State() }

// IsReady reports whether the client holds an authoritative property set.
func (c *Client) IsReady() bool {
	return c.conn.State() == StateReady && c.store.Initialized()
}

// Identity returns the connected charger's identity.
func (c *Client) Identity() Identity { return c.conn.Identity() }

// Snapshot returns a consistent copy of all properties. Check Initialized
// before trusting it.
func (c *Client) Snapshot() Snapshot { return c.store.All() }

// ReadProperty returns the cached value of key, or def when the key is
// unknown or the store is not authoritative.
func (c *Client) ReadProperty(key string, def Value) Value {
	if !c.store.Initialized() {
		return def
	}
	if v, ok := c.store.Get(key); ok {
		return v
	}
	return def
}

// ReadPropertyFresh asks the charger for the current value of key. It is
// meant for poll-only properties.
func (c *Client) ReadPropertyFresh(ctx context.Context, key string, def Value) (Value, error) {
	if err := c.ensureReady(ctx, key); err != nil {
		return def, err
	}

	h := c.tracker.SubmitRead(key)
	frame, err := protocol.EncodeGetValue(h.ID(), key)
	if err == nil {
		err = c.conn.write(frame)
	}
	if err != nil {
		c.tracker.Cancel(h, err.Error())
		return def, newError(c.State(), key, fmt.Errorf("%w: send: %v", ErrConnectionFailed, err))
	}

	out := c.tracker.Await(ctx, h, c.cfg.CommandTimeout)
	if out.Status != Confirmed {
		return def, newError(c.State(), key, out.Err())
	}
	return out.Value, nil
}

// WriteOption tunes a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	timeout   time.Duration
	forceType *protocol.Kind
}

// ForceType converts the value to kind before sending. Some properties are
// only accepted with a specific JSON type.
func ForceType(kind Kind) WriteOption {
	return func(o *writeOptions) { o.forceType = &kind }
}

// WithTimeout overrides Config.CommandTimeout for one write.
func WithTimeout(d time.Duration) WriteOption {
	return func(o *writeOptions) { o.timeout = d }
}

// WriteProperty sets key to value and waits for the charger to confirm it.
// value may be a Value or plain Go data. The returned error is nil only for
// Confirmed outcomes; the Outcome carries the value the charger reported.
func (c *Client) WriteProperty(ctx context.Context, key string, value any, opts ...WriteOption) (Outcome, error) {
	o := writeOptions{timeout: c.cfg.CommandTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	v, err := protocol.FromAny(value)
	if err == nil && o.forceType != nil {
		v, err = v.Coerce(*o.forceType)
	}
	if err != nil {
		return Outcome{Status: Rejected, Key: key, Reason: err.Error()}, newError(c.State(), key, fmt.Errorf("%w: %v", ErrRejected, err))
	}

	if err := c.ensureReady(ctx, key); err != nil {
		return Outcome{Status: Rejected, Key: key, Reason: "not ready"}, err
	}

	dialect, secured, responder := c.conn.sealer()
	h := c.tracker.Submit(key, v)
	frame, err := protocol.EncodeSetValue(dialect, h.ID(), key, v)
	if err == nil && secured {
		frame, err = responder.Seal(dialect, h.ID(), frame)
	}
	if err == nil {
		err = c.conn.write(frame)
	}
	if err != nil {
		c.tracker.Cancel(h, err.Error())
		out, _ := h.Outcome()
		return out, newError(c.State(), key, fmt.Errorf("%w: send: %v", ErrConnectionFailed, err))
	}
	c.log.Debug().Str("key", key).Str("value", v.String()).Int64("request_id", h.ID()).Msg("write sent")

	out := c.tracker.Await(ctx, h, o.timeout)
	return out, newError(c.State(), key, out.Err())
}

func (c *Client) ensureReady(ctx context.Context, key string) error {
	if c.IsReady() {
		return nil
	}
	if c.cfg.WritePolicy == WaitForReady {
		if err := c.conn.waitReady(ctx); err != nil {
			return newError(c.State(), key, fmt.Errorf("%w: %w", ErrNotReady, err))
		}
		return nil
	}
	return &Error{Phase: c.State(), Key: key, Err: ErrNotReady}
}

// Subscribe calls fn for every change of key, or of every property when key
// is AllProperties. fn runs on its own goroutine; changes are dropped if it
// falls too far behind.
func (c *Client) Subscribe(key string, fn func(Change)) Subscription {
	return c.events.Subscribe(key, fn)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(sub Subscription) bool {
	return c.events.Unsubscribe(sub)
}
