package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/journal"
	"github.com/itskum47/wordpilot/pilot/mail"
	"github.com/itskum47/wordpilot/pilot/observability"
	"github.com/itskum47/wordpilot/pilot/sheetsync"
	"github.com/itskum47/wordpilot/pilot/state"
	"github.com/itskum47/wordpilot/pilot/verify"
)

// API exposes the daemon's HTTP surface: health, metrics, state, the
// dashboard socket, and the offer ingress the mail bridge posts to.
type API struct {
	manager   *state.Manager
	collector *observability.Collector
	verifier  *verify.Verifier
	syncer    *sheetsync.Syncer
	journal   *journal.Journal
	hub       *Hub
	offers    func(mail.TaskOffer)

	upgrader websocket.Upgrader
}

// NewAPI wires the handlers. offers receives every valid posted offer.
func NewAPI(manager *state.Manager, collector *observability.Collector, verifier *verify.Verifier, syncer *sheetsync.Syncer, j *journal.Journal, hub *Hub, offers func(mail.TaskOffer)) *API {
	return &API{
		manager:   manager,
		collector: collector,
		verifier:  verifier,
		syncer:    syncer,
		journal:   j,
		hub:       hub,
		offers:    offers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from this daemon's own host;
			// cross-origin embedding is not a supported setup.
			CheckOrigin: sameHostOrigin,
		},
	}
}

// Routes registers all endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", a.handleState)
	mux.HandleFunc("/api/stats", a.handleStats)
	mux.HandleFunc("/api/verifications", a.handleVerifications)
	mux.HandleFunc("/api/sync", a.handleSync)
	mux.HandleFunc("/api/journal", a.handleJournal)
	mux.HandleFunc("/api/offers", a.handleOffer)
	mux.HandleFunc("/ws", a.handleWS)
}

// handleOffer is the ingress for the out-of-process mail bridge.
func (a *API) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var offer mail.TaskOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid offer: "+err.Error(), http.StatusBadRequest)
		return
	}
	if offer.OrderID == "" || offer.URL == "" {
		http.Error(w, "offer requires orderId and url", http.StatusBadRequest)
		return
	}
	if offer.Status == "" {
		offer.Status = mail.StatusActive
	}
	a.offers(offer)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.manager.GetSnapshot())
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.collector.GetSnapshot())
}

func (a *API) handleVerifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"pending": a.verifier.Pending(),
		"results": a.verifier.Results(),
	})
}

// handleSync reports the last reconciliation; POST forces one now.
func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		res, err := a.syncer.SyncNow(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, res)
		return
	}
	writeJSON(w, a.syncer.LastResult())
}

func (a *API) handleJournal(w http.ResponseWriter, _ *http.Request) {
	summary, err := a.journal.StatusSummary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	recent, err := a.journal.GetRecent(20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"summary": summary, "recent": recent})
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	a.hub.Register(conn)

	// Read pump: the dashboard never sends application data, but reading
	// is what surfaces disconnects.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// sameHostOrigin admits requests without an Origin header (non-browser
// clients) and browsers served from this daemon's own host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("response encoding failed")
	}
}
