package wattpilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot/internal/auth"
	"github.com/markus-barta/wattpilot/internal/commands"
	"github.com/markus-barta/wattpilot/internal/events"
	"github.com/markus-barta/wattpilot/internal/metrics"
	"github.com/markus-barta/wattpilot/internal/protocol"
	"github.com/markus-barta/wattpilot/internal/store"
)

// Connection parameters
const (
	readLimit        = 4 << 20
	closeGracePeriod = time.Second
)

// manager owns the socket and the connection state machine. Its receive loop
// is the only writer of the store and of the connection state.
type manager struct {
	cfg     Config
	log     zerolog.Logger
	neg     *auth.Negotiator
	dialer  *websocket.Dialer
	store   *store.Store
	tracker *commands.Tracker
	events  *events.Dispatcher
	metrics *metrics.Metrics
	onState func(State)

	mu        sync.Mutex
	state     State
	changed   chan struct{} // closed and replaced on every state change
	identity  Identity
	ws        *websocket.Conn
	responder *auth.Responder
	dialect   protocol.Dialect
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error // why the last run gave up

	writeMu sync.Mutex
}

// attempt summarizes one connection attempt.
type attempt struct {
	phase         State // last state reached
	authenticated bool
	ready         bool
	err           error
}

// State returns the current connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) setState(s State) {
	m.mu.Lock()
	if m.state == s || (m.state == StateClosing && s != StateDisconnected) {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.metrics.SetState(s.String())
	m.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state changed")
	if m.onState != nil {
		m.onState(s)
	}
}

// start launches the connection loop unless it is already running.
func (m *manager) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastErr = nil
	go m.run(ctx, m.done)
}

// stop cancels the loop, closes the socket and cancels pending commands.
func (m *manager) stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done, ws := m.cancel, m.done, m.ws
	m.mu.Unlock()

	m.setState(StateClosing)
	cancel()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(closeGracePeriod))
		_ = ws.Close()
	}
	<-done

	if n := m.tracker.CancelAll("client stopped"); n > 0 {
		m.log.Debug().Int("commands", n).Msg("cancelled pending commands")
	}
	m.setState(StateDisconnected)
	m.log.Info().Msg("stopped")
}

// waitReady blocks until the connection is ready, the loop gives up or ctx ends.
func (m *manager) waitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, running, lastErr, changed := m.state, m.running, m.lastErr, m.changed
		m.mu.Unlock()

		if state == StateReady {
			return nil
		}
		if !running {
			if lastErr != nil {
				return lastErr
			}
			return &Error{Phase: state, Err: ErrNotReady}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// run connects and reconnects until ctx is cancelled or the policy gives up.
func (m *manager) run(ctx context.Context, done chan struct{}) {
	bo := m.newBackoff()
	var (
		authFailures int
		failures     int
		terminal     error
	)

	for {
		a := m.connectOnce(ctx)
		m.store.Invalidate()
		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			break
		}

		err := a.err
		if err == nil {
			err = ErrConnectionFailed
		}
		switch {
		case errors.Is(err, ErrAuthenticationFailed):
			authFailures++
			m.metrics.AuthFailure()
			if authFailures >= m.cfg.Reconnect.MaxAuthFailures {
				terminal = &Error{Phase: a.phase, Err: fmt.Errorf("giving up after %d consecutive failures: %w", authFailures, err)}
			}
		case a.authenticated:
			authFailures = 0
		}

		if a.ready {
			bo.Reset()
			failures = 0
		}
		failures++
		if terminal == nil {
			switch {
			case !m.cfg.Reconnect.Enabled:
				terminal = &Error{Phase: a.phase, Err: err}
			case m.cfg.Reconnect.MaxAttempts > 0 && failures >= m.cfg.Reconnect.MaxAttempts:
				terminal = &Error{Phase: a.phase, Err: fmt.Errorf("giving up after %d attempts: %w", failures, err)}
			}
		}
		if terminal != nil {
			m.log.Error().Err(terminal).Msg("not reconnecting")
			break
		}

		wait := bo.NextBackOff()
		m.log.Warn().Err(err).Str("phase", a.phase.String()).Dur("backoff", wait).Msg("connection lost, retrying")
		if !sleepCtx(ctx, wait) {
			break
		}
	}

	m.mu.Lock()
	m.running = false
	m.lastErr = terminal
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	close(done)
}

func (m *manager) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.Reconnect.InitialInterval
	b.MaxInterval = m.cfg.Reconnect.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connectOnce runs a single connection from dial to disconnect.
func (m *manager) connectOnce(ctx context.Context) (a attempt) {
	log := m.log.With().Str("session", uuid.NewString()[:8]).Logger()
	a.phase = StateConnecting
	m.setState(StateConnecting)
	m.metrics.ConnectAttempt()

	url, header, err := m.neg.Endpoint(ctx)
	if err != nil {
		if !errors.Is(err, ErrAuthenticationFailed) {
			err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		a.err = err
		return a
	}

	log.Debug().Str("url", url).Msg("connecting")
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	ws, resp, err := m.dialer.DialContext(dialCtx, url, header)
	cancel()
	if err != nil {
		if resp != nil && m.neg.DialFailed(resp.StatusCode) {
			a.err = fmt.Errorf("%w: socket upgrade refused (HTTP %d)", ErrAuthenticationFailed, resp.StatusCode)
		} else {
			a.err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		return a
	}
	ws.SetReadLimit(readLimit)

	responder := m.neg.Responder()
	m.mu.Lock()
	m.ws = ws
	m.responder = responder
	m.dialect = protocol.DialectNative
	m.identity = Identity{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.ws = nil
		m.mu.Unlock()
		_ = ws.Close()
	}()

	a.phase = StateAuthenticating
	m.setState(StateAuthenticating)

	var missed atomic.Int32
	ws.SetPongHandler(func(string) error {
		missed.Store(0)
		return nil
	})

	quit := make(chan struct{})
	defer close(quit)
	in := make(chan []byte)
	errc := make(chan error, 1)
	go readLoop(ws, in, errc, quit)

	deadline := time.NewTimer(m.cfg.HandshakeTimeout)
	defer deadline.Stop()
	var ping <-chan time.Time
	if m.cfg.PingInterval > 0 {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	r := &receiver{m: m, log: log, responder: responder}
	for {
		select {
		case <-ctx.Done():
			a.err = ctx.Err()
			return a

		case err := <-errc:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("read error")
			}
			a.err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
			return a

		case <-deadline.C:
			if a.phase == StateAuthenticating {
				a.err = fmt.Errorf("%w: handshake timeout", ErrAuthenticationFailed)
			} else {
				a.err = fmt.Errorf("%w: no full sync within %s", ErrConnectionFailed, m.cfg.SyncTimeout)
			}
			return a

		case <-ping:
			if n := missed.Load(); int(n) >= m.cfg.MaxMissedPongs {
				a.err = fmt.Errorf("%w: %d keepalive pings unanswered", ErrConnectionFailed, n)
				return a
			}
			missed.Add(1)
			if err := m.ping(ws); err != nil {
				a.err = fmt.Errorf("%w: ping: %v", ErrConnectionFailed, err)
				return a
			}

		case data := <-in:
			missed.Store(0)
			next, err := r.handle(protocol.Decode(data), a.phase)
			if err != nil {
				a.err = err
				return a
			}
			if next == a.phase {
				continue
			}
			switch next {
			case StateSyncing:
				a.authenticated = true
				deadline.Reset(m.cfg.SyncTimeout)
			case StateReady:
				a.ready = true
				deadline.Stop()
				m.metrics.Ready()
				log.Info().Int("properties", m.store.Len()).Msg("charger ready")
			}
			a.phase = next
			m.setState(next)
		}
	}
}

// readLoop hands raw frames to the receive loop until the socket fails or
// quit is closed.
func readLoop(ws *websocket.Conn, in chan<- []byte, errc chan<- error, quit <-chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		select {
		case in <- data:
		case <-quit:
			return
		}
	}
}

// write sends one text frame. All outbound frames go through here.
func (m *manager) write(data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return websocket.ErrCloseSent
	}
	_ = ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (m *manager) ping(ws *websocket.Conn) error {
	if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return err
	}
	if !m.cfg.AppPing {
		return nil
	}
	data, err := protocol.EncodePing()
	if err != nil {
		return err
	}
	return m.write(data)
}

// sealer returns what writers need to encode a request for the current
// connection.
func (m *manager) sealer() (protocol.Dialect, bool, *auth.Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialect, m.identity.Secured, m.responder
}

// Identity returns the identity of the current connection.
func (m *manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// receiver interprets frames for one connection. It runs on the receive loop.
type receiver struct {
	m          *manager
	log        zerolog.Logger
	responder  *auth.Responder
	synced     bool // the first full-sync chunk was seen
	helloSeen  bool
	violations int
}

// handle applies f and returns the state the connection moves to.
func (r *receiver) handle(f protocol.Frame, phase State) (State, error) {
	m := r.m
	m.metrics.Frame(f.Kind.String())

	if f.Kind == protocol.FrameMalformed {
		if phase == StateAuthenticating && isAuthFrame(f.Type) {
			return phase, fmt.Errorf("%w: malformed %s: %w", ErrAuthenticationFailed, f.Type, f.Err)
		}
		r.violations++
		m.metrics.Malformed()
		r.log.Warn().Err(f.Err).Str("type", f.Type).Int("consecutive", r.violations).Msg("dropping malformed frame")
		if r.violations > m.cfg.MaxProtocolViolations {
			return phase, fmt.Errorf("%w: %d consecutive malformed frames", ErrProtocolViolation, r.violations)
		}
		return phase, nil
	}
	r.violations = 0

	switch f.Kind {
	case protocol.FrameHello:
		r.hello(f.Hello)

	case protocol.FrameAuthChallenge:
		if phase != StateAuthenticating {
			r.log.Debug().Msg("ignoring challenge outside the handshake")
			return phase, nil
		}
		reply, err := r.responder.Respond(f.Challenge, f.Dialect)
		if err != nil {
			return phase, err
		}
		m.mu.Lock()
		m.dialect = f.Dialect
		m.mu.Unlock()
		if err := m.write(reply); err != nil {
			return phase, fmt.Errorf("%w: send auth response: %v", ErrConnectionFailed, err)
		}
		r.log.Debug().Str("dialect", f.Dialect.String()).Msg("answered challenge")

	case protocol.FrameAuthResult:
		if phase != StateAuthenticating {
			return phase, nil
		}
		if err := r.responder.Check(f.Result); err != nil {
			return phase, err
		}
		r.log.Info().Msg("authenticated")
		return StateSyncing, nil

	case protocol.FrameFullSync:
		if phase < StateSyncing {
			r.log.Warn().Msg("ignoring full sync before authentication")
			return phase, nil
		}
		if !r.synced {
			m.store.BeginSync()
			r.synced = true
		}
		completed := m.store.ApplySync(f.Updates, !f.Partial)
		r.publish(f.Updates, events.SourceFullSync)
		if completed && phase == StateSyncing {
			r.fillIdentity()
			return StateReady, nil
		}

	case protocol.FramePropertyUpdate:
		if phase < StateSyncing {
			r.log.Warn().Msg("ignoring property update before authentication")
			return phase, nil
		}
		if len(f.Updates) == 1 {
			m.store.Apply(f.Updates[0].Key, f.Updates[0].Value)
		} else {
			m.store.ApplyBatch(f.Updates)
		}
		r.publish(f.Updates, events.SourcePush)

	case protocol.FrameResponse:
		resp := f.Response
		applied := resp.Success && len(resp.Status) > 0 && phase >= StateSyncing
		if applied {
			m.store.ApplyBatch(resp.Status)
		}
		m.tracker.HandleResponse(resp)
		if applied {
			r.publish(resp.Status, events.SourceResponse)
		}

	case protocol.FramePong:
		// liveness is recorded for every frame

	case protocol.FrameError:
		r.log.Warn().Str("key", f.Error.Key).Str("message", f.Error.Message).Msg("charger reported an error")
		if phase == StateAuthenticating {
			return phase, fmt.Errorf("%w: %s", ErrAuthenticationFailed, f.Error.Message)
		}
		if f.Error.Key != "" {
			m.tracker.Reject(f.Error.Key, f.Error.Message)
		}

	default:
		r.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
	}
	return phase, nil
}

// isAuthFrame reports whether typ belongs to the handshake.
func isAuthFrame(typ string) bool {
	switch typ {
	case protocol.TypeAuthChallenge, protocol.TypeAuthRequired, protocol.TypeAuthResult,
		protocol.TypeAuthSuccess, protocol.TypeAuthError:
		return true
	}
	return false
}

// publish hands applied updates to subscribers. A full sync replays state
// and never confirms a pending write.
func (r *receiver) publish(updates []protocol.Update, src events.Source) {
	for _, u := range updates {
		if src != events.SourceFullSync {
			r.m.tracker.Observe(u.Key, u.Value)
		}
		r.m.events.Publish(events.Change{Key: u.Key, Value: u.Value, Source: src})
	}
	r.m.metrics.Properties(r.m.store.Len())
}

func (r *receiver) hello(h *protocol.Hello) {
	if r.helloSeen {
		return
	}
	r.helloSeen = true
	r.responder.SetSerial(h.Serial)

	id := Identity{
		Serial:       h.Serial,
		Name:         h.FriendlyName,
		Firmware:     protocol.NormalizeVersion(h.Version),
		Hostname:     h.Hostname,
		Manufacturer: h.Manufacturer,
		DeviceType:   h.DeviceType,
		Secured:      h.Secured,
	}
	if id.Name == "" {
		id.Name = h.Hostname
	}
	r.m.mu.Lock()
	r.m.identity = id
	r.m.mu.Unlock()
	r.log.Info().Str("serial", id.Serial).Str("firmware", id.Firmware).Bool("secured", id.Secured).Msg("charger hello")
}

// fillIdentity completes the identity from properties when hello left gaps.
func (r *receiver) fillIdentity() {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	id := &m.identity
	if id.Serial == "" {
		id.Serial = r.prop(keySerial)
		r.responder.SetSerial(id.Serial)
	}
	if id.Name == "" {
		id.Name = r.prop(keyName)
	}
	if id.Firmware == "" {
		id.Firmware = protocol.NormalizeVersion(r.prop(keyFirmware))
	}
}

func (r *receiver) prop(key string) string {
	v, ok := r.m.store.Get(key)
	if !ok || v.IsNull() {
		return ""
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}
