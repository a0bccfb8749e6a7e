// Package broadcast fans state-manager events out to the dashboard
// transport. Capacity and task events fire many times per second during
// a busy stretch, so those are coalesced per event key; everything else
// passes through immediately.
package broadcast

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/state"
)

// DefaultDebounce is the quiet window for coalesced event keys.
const DefaultDebounce = 100 * time.Millisecond

// Transport delivers one event to the dashboard. Implementations must
// tolerate concurrent calls.
type Transport interface {
	Send(event string, payload any) error
}

// Broadcaster bridges the state bus to a Transport.
type Broadcaster struct {
	transport Transport
	debounce  time.Duration
	unsub     func()

	mu      sync.Mutex
	timers  map[state.EventType]*time.Timer
	latest  map[state.EventType]any
	stopped bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithDebounce overrides the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(b *Broadcaster) { b.debounce = d }
}

// debouncedEvents are coalesced; the latest payload per key wins.
var debouncedEvents = map[state.EventType]bool{
	state.EventCapacity: true,
	state.EventTasks:    true,
}

// New subscribes to the bus and starts forwarding. Call Stop to detach.
func New(bus *state.Bus, transport Transport, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		transport: transport,
		debounce:  DefaultDebounce,
		timers:    make(map[state.EventType]*time.Timer),
		latest:    make(map[state.EventType]any),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.unsub = bus.Subscribe(b.handle)
	return b
}

func (b *Broadcaster) handle(ev state.Event) {
	if !debouncedEvents[ev.Type] {
		b.send(ev.Type, ev.Payload)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.latest[ev.Type] = ev.Payload
	if t, ok := b.timers[ev.Type]; ok {
		t.Reset(b.debounce)
		return
	}
	b.timers[ev.Type] = time.AfterFunc(b.debounce, func() { b.flush(ev.Type) })
}

// flush sends the newest payload for a coalesced key and retires its
// timer so the next event starts a fresh window.
func (b *Broadcaster) flush(t state.EventType) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	payload := b.latest[t]
	delete(b.latest, t)
	delete(b.timers, t)
	b.mu.Unlock()

	b.send(t, payload)
}

// send shields the subscription chain from transport failures.
func (b *Broadcaster) send(t state.EventType, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("event", t).Errorf("dashboard transport panicked: %v", r)
		}
	}()
	if err := b.transport.Send(string(t), payload); err != nil {
		log.WithError(err).WithField("event", t).Warn("dashboard broadcast failed")
	}
}

// Stop cancels pending timers and unsubscribes from the bus. Coalesced
// payloads that have not flushed yet are dropped.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, t := range b.timers {
		t.Stop()
	}
	b.timers = nil
	b.latest = nil
	b.mu.Unlock()

	b.unsub()
}
