package main

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/observability"
	"github.com/itskum47/wordpilot/pilot/state"
)

const (
	maxWSConnections = 50
	wsWriteTimeout   = 5 * time.Second
	// outboundBuffer absorbs bursts; when it overflows the message is
	// dropped rather than blocking the producer.
	outboundBuffer = 256
)

// wsMessage is the dashboard's wire format.
type wsMessage struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Hub owns the dashboard's WebSocket connections. A single loop handles
// registration, teardown and broadcasting, so the clients map never
// needs a lock on the hot path.
type Hub struct {
	manager   *state.Manager
	collector *observability.Collector

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	outbound   chan wsMessage
}

// NewHub returns a Hub; call Run to start it.
func NewHub(manager *state.Manager, collector *observability.Collector) *Hub {
	return &Hub{
		manager:    manager,
		collector:  collector,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		outbound:   make(chan wsMessage, outboundBuffer),
	}
}

// Run is the hub's main loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			if len(h.clients) >= maxWSConnections {
				log.Warnf("websocket connection rejected, cap of %d reached", maxWSConnections)
				conn.Close()
				continue
			}
			h.clients[conn] = true
			log.WithField("clients", len(h.clients)).Info("dashboard client connected")
			// New clients get the whole world once, then deltas.
			h.writeTo(conn, wsMessage{
				Event: "fullState",
				Payload: map[string]any{
					"state": h.manager.GetSnapshot(),
					"stats": h.collector.GetSnapshot(),
				},
				At: time.Now(),
			})

		case conn := <-h.unregister:
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
			log.WithField("clients", len(h.clients)).Info("dashboard client disconnected")

		case msg := <-h.outbound:
			for conn := range h.clients {
				h.writeTo(conn, msg)
			}
		}
	}
}

// writeTo sends one message with a deadline; a dead connection is torn
// down without blocking the loop on its unregister channel.
func (h *Hub) writeTo(conn *websocket.Conn, msg wsMessage) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		log.WithError(err).Debug("websocket write failed, dropping client")
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) shutdown() {
	log.WithField("clients", len(h.clients)).Info("closing websocket hub")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register hands a freshly upgraded connection to the hub loop.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister detaches a connection; safe to call more than once.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// stateEventNames maps bus event types to dashboard message names.
var stateEventNames = map[string]string{
	string(state.EventCapacity):    "capacityUpdated",
	string(state.EventTasks):       "tasksUpdated",
	string(state.EventBrowserPool): "browserPoolUpdated",
	string(state.EventIMAP):        "imapUpdated",
	string(state.EventSystem):      "systemUpdated",
	string(state.EventReset):       "stateReset",
}

// Send queues a message for every connected client. It satisfies the
// broadcaster's transport; bus event types are translated to the
// dashboard's message names, everything else passes through as-is.
func (h *Hub) Send(event string, payload any) error {
	if name, ok := stateEventNames[event]; ok {
		event = name
	}
	msg := wsMessage{Event: event, Payload: payload, At: time.Now()}
	select {
	case h.outbound <- msg:
	default:
		log.WithField("event", event).Warn("websocket outbound buffer full, message dropped")
	}
	return nil
}
