package state

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventType tags events published by the Manager.
type EventType string

const (
	EventCapacity    EventType = "state:capacity"
	EventTasks       EventType = "state:tasks"
	EventBrowserPool EventType = "state:browserPool"
	EventIMAP        EventType = "state:imap"
	EventSystem      EventType = "state:system"
	EventReset       EventType = "state:reset"
)

// Event is one state change notification. Payloads are already deep
// copies; listeners may keep or mutate them freely.
type Event struct {
	Type    EventType
	Payload any
}

// Listener receives events synchronously, in mutation order.
type Listener func(Event)

// maxListeners guards against subscription leaks; the daemon has a
// handful of subsystems, not hundreds.
const maxListeners = 32

// Bus is a small synchronous pub/sub. A panicking listener is logged and
// skipped; it never prevents the remaining listeners from running.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers a listener for every event and returns its
// unsubscribe function.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners) >= maxListeners {
		log.Warn("event bus listener cap reached, subscription dropped")
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish dispatches ev to all listeners synchronously.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	// Subscription order, so dispatch is deterministic.
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("event", ev.Type).WithField("panic", r).
						Error("event listener panicked")
				}
			}()
			l(ev)
		}()
	}
}
