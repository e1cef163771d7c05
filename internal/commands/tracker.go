// Package commands correlates property writes with the charger's confirmation.
//
// Chargers do not reliably echo the value that was written: some properties
// are clamped, rounded or coerced. By default any update of the written key
// after submission confirms the write and reports the value the charger
// actually holds. MatchExact restores strict echo matching.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-barta/wattpilot/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrCommandTimeout = errors.New("command not confirmed in time")
	ErrCancelled      = errors.New("command cancelled")
	ErrRejected       = errors.New("command rejected")
)

// Status is the final state of a tracked command.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusUnconfirmed
	StatusRejected
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Outcome is the result of a tracked command.
type Outcome struct {
	Status    Status
	Key       string
	Value     protocol.Value // value reported by the charger when confirmed
	Reason    string
	RequestID int64
	Latency   time.Duration
}

// Err maps non-confirmed outcomes onto the package sentinels.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusConfirmed:
		return nil
	case StatusUnconfirmed:
		return fmt.Errorf("%s: %w", o.Key, ErrCommandTimeout)
	case StatusRejected:
		if o.Reason != "" {
			return fmt.Errorf("%s: %w: %s", o.Key, ErrRejected, o.Reason)
		}
		return fmt.Errorf("%s: %w", o.Key, ErrRejected)
	case StatusCancelled:
		return fmt.Errorf("%s: %w", o.Key, ErrCancelled)
	}
	return fmt.Errorf("%s: command still pending", o.Key)
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusConfirmed:
		return fmt.Sprintf("confirmed(%s=%s)", o.Key, o.Value)
	case StatusRejected:
		return fmt.Sprintf("rejected(%s: %s)", o.Key, o.Reason)
	default:
		return fmt.Sprintf("%s(%s)", o.Status, o.Key)
	}
}

// MatchMode selects how updates confirm a pending write.
type MatchMode uint8

const (
	MatchAnyValue MatchMode = iota // any later update of the key confirms
	MatchExact                     // only an update equal to the written value confirms
)

// ParseMatchMode maps "any"/"exact" to a MatchMode.
func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "", "any":
		return MatchAnyValue, nil
	case "exact":
		return MatchExact, nil
	}
	return MatchAnyValue, fmt.Errorf("unknown match mode %q", s)
}

// Handle is a pending command.
type Handle struct {
	id        int64
	key       string
	desired   protocol.Value
	read      bool
	submitted time.Time

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// ID returns the request id sent on the wire.
func (h *Handle) ID() int64 { return h.id }

// Key returns the property the command targets.
func (h *Handle) Key() string { return h.key }

// Desired returns the value that was written.
func (h *Handle) Desired() protocol.Value { return h.desired }

// Done is closed once the command is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the final outcome once Done is closed.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{Status: StatusPending, Key: h.key, RequestID: h.id}, false
	}
}

// Options tunes a Tracker.
type Options struct {
	Match     MatchMode
	OnResolve func(Outcome)
}

// Tracker holds pending commands.
type Tracker struct {
	log  zerolog.Logger
	opts Options

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Handle
}

// New creates a Tracker.
func New(log zerolog.Logger, opts Options) *Tracker {
	return &Tracker{
		log:     log.With().Str("component", "commands").Logger(),
		opts:    opts,
		pending: make(map[int64]*Handle),
	}
}

// Submit registers a write of v to key. The caller sends the request using
// the handle's ID afterwards.
func (t *Tracker) Submit(key string, v protocol.Value) *Handle {
	return t.register(key, v, false)
}

// SubmitRead registers a request for the current value of key.
func (t *Tracker) SubmitRead(key string) *Handle {
	return t.register(key, protocol.Null(), true)
}

func (t *Tracker) register(key string, v protocol.Value, read bool) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	h := &Handle{
		id:        t.nextID,
		key:       key,
		desired:   v,
		read:      read,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
	t.pending[h.id] = h
	return h
}

// Pending returns the number of unresolved commands.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Observe is fed every property update applied to the store. It confirms
// pending writes for key and returns how many it resolved. Reads only resolve
// on their correlated response.
func (t *Tracker) Observe(key string, v protocol.Value) int {
	t.mu.Lock()
	var matched []*Handle
	for _, h := range t.pending {
		if h.key != key || h.read {
			continue
		}
		if t.opts.Match == MatchExact && !h.desired.Equal(v) {
			continue
		}
		matched = append(matched, h)
	}
	t.mu.Unlock()

	for _, h := range matched {
		t.resolve(h, Outcome{Status: StatusConfirmed, Value: v})
	}
	return len(matched)
}

// HandleResponse resolves the command a response refers to.
func (t *Tracker) HandleResponse(r *protocol.Response) {
	t.mu.Lock()
	h, ok := t.pending[r.RequestID]
	t.mu.Unlock()
	if !ok {
		t.log.Debug().Int64("request_id", r.RequestID).Msg("response for unknown request")
		return
	}

	if !r.Success {
		t.resolve(h, Outcome{Status: StatusRejected, Reason: r.Message})
		return
	}
	for _, u := range r.Status {
		if u.Key == h.key {
			t.resolve(h, Outcome{Status: StatusConfirmed, Value: u.Value})
			return
		}
	}
	if h.read {
		t.resolve(h, Outcome{Status: StatusRejected, Reason: "response carried no value"})
	}
	// Writes acknowledged without a status wait for the echo.
}

// Reject fails every pending command for key, as reported by an error frame.
func (t *Tracker) Reject(key, reason string) int {
	t.mu.Lock()
	var matched []*Handle
	for _, h := range t.pending {
		if h.key == key {
			matched = append(matched, h)
		}
	}
	t.mu.Unlock()

	for _, h := range matched {
		t.resolve(h, Outcome{Status: StatusRejected, Reason: reason})
	}
	return len(matched)
}

// Await blocks until h resolves, timeout elapses or ctx ends. A timeout or an
// abandoned wait resolves the command as unconfirmed: it may still land.
func (t *Tracker) Await(ctx context.Context, h *Handle, timeout time.Duration) Outcome {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-h.done:
	case <-timer:
		t.resolve(h, Outcome{Status: StatusUnconfirmed, Reason: "timeout"})
	case <-ctx.Done():
		t.resolve(h, Outcome{Status: StatusUnconfirmed, Reason: ctx.Err().Error()})
	}
	return h.outcome
}

// Cancel resolves h as cancelled.
func (t *Tracker) Cancel(h *Handle, reason string) {
	t.resolve(h, Outcome{Status: StatusCancelled, Reason: reason})
}

// CancelAll resolves every pending command as cancelled.
func (t *Tracker) CancelAll(reason string) int {
	t.mu.Lock()
	all := make([]*Handle, 0, len(t.pending))
	for _, h := range t.pending {
		all = append(all, h)
	}
	t.mu.Unlock()

	for _, h := range all {
		t.Cancel(h, reason)
	}
	return len(all)
}

// resolve completes h exactly once.
func (t *Tracker) resolve(h *Handle, o Outcome) {
	h.once.Do(func() {
		o.Key = h.key
		o.RequestID = h.id
		o.Latency = time.Since(h.submitted)

		t.mu.Lock()
		delete(t.pending, h.id)
		t.mu.Unlock()

		h.outcome = o
		close(h.done)

		t.log.Debug().
			Int64("request_id", h.id).
			Str("key", h.key).
			Str("status", o.Status.String()).
			Dur("latency", o.Latency).
			Msg("command resolved")

		if t.opts.OnResolve != nil {
			t.opts.OnResolve(o)
		}
	})
}
