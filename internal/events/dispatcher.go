// Package events fans property changes out to observers.
//
// Each subscriber owns a bounded queue drained by its own goroutine, so a slow
// or panicking observer never delays the receive loop or other observers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/markus-barta/wattpilot/internal/protocol"
	"github.com/rs/zerolog"
)

// All subscribes to every property.
const All = ""

// DefaultQueueSize is the per-subscriber buffer used when Options leaves it unset.
const DefaultQueueSize = 64

// Source tells where a change came from.
type Source uint8

const (
	SourcePush     Source = iota // unsolicited property_update
	SourceFullSync               // initial dump after the handshake
	SourceResponse               // status carried by a command response
)

func (s Source) String() string {
	switch s {
	case SourceFullSync:
		return "full_sync"
	case SourceResponse:
		return "response"
	default:
		return "push"
	}
}

// Change is a single property change.
type Change struct {
	Key    string
	Value  protocol.Value
	Source Source
}

// Handler receives changes on the subscriber's own goroutine.
type Handler func(Change)

// Subscription identifies a registered observer.
type Subscription struct {
	id  uint64
	key string
}

// Key returns the property the subscription watches (All for every property).
func (s Subscription) Key() string { return s.key }

// Options tunes a Dispatcher.
type Options struct {
	QueueSize int
	OnDrop    func(Change) // called when a subscriber's queue is full
}

type subscriber struct {
	id      uint64
	key     string
	handler Handler
	queue   chan Change
	done    chan struct{}
}

// Dispatcher delivers changes to subscribers.
type Dispatcher struct {
	log  zerolog.Logger
	opts Options

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// New creates a Dispatcher.
func New(log zerolog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Dispatcher{
		log:  log.With().Str("component", "events").Logger(),
		opts: opts,
		subs: make(map[uint64]*subscriber),
	}
}

// Subscribe registers h for changes of key, or of every key when key is All.
// Subscribing to a closed dispatcher returns a subscription that never fires.
func (d *Dispatcher) Subscribe(key string, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := Subscription{id: d.nextID, key: key}
	if d.closed || h == nil {
		return sub
	}

	s := &subscriber{
		id:      sub.id,
		key:     key,
		handler: h,
		queue:   make(chan Change, d.opts.QueueSize),
		done:    make(chan struct{}),
	}
	d.subs[s.id] = s
	go d.run(s)

	d.log.Debug().Str("key", key).Uint64("id", s.id).Msg("subscriber registered")
	return sub
}

// Unsubscribe removes a subscriber. Changes already queued for it are still
// delivered. It reports whether the subscription was active.
func (d *Dispatcher) Unsubscribe(sub Subscription) bool {
	d.mu.Lock()
	s, ok := d.subs[sub.id]
	if ok {
		delete(d.subs, sub.id)
		close(s.queue)
	}
	d.mu.Unlock()
	return ok
}

// Publish queues c for every matching subscriber without blocking.
func (d *Dispatcher) Publish(c Change) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, s := range d.subs {
		if s.key != All && s.key != c.Key {
			continue
		}
		select {
		case s.queue <- c:
		default:
			d.dropped.Add(1)
			d.log.Warn().Str("key", c.Key).Uint64("subscriber", s.id).Msg("subscriber queue full, dropping change")
			if d.opts.OnDrop != nil {
				d.opts.OnDrop(c)
			}
		}
	}
}

// Dropped returns how many changes were dropped because of full queues.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Len returns the number of active subscribers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close stops all subscribers after they drain their queues.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*subscriber, 0, len(d.subs))
	for id, s := range d.subs {
		close(s.queue)
		subs = append(subs, s)
		delete(d.subs, id)
	}
	d.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}

func (d *Dispatcher) run(s *subscriber) {
	defer close(s.done)
	for c := range s.queue {
		d.deliver(s, c)
	}
}

func (d *Dispatcher) deliver(s *subscriber, c Change) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("key", c.Key).Uint64("subscriber", s.id).Msg("subscriber panicked")
		}
	}()
	s.handler(c)
}
