// Package server exposes the admin HTTP surface: health check, Prometheus
// metrics, directory queries, and a websocket stream of roster events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/courier/internal/storage"
)

// Admin serves read-only views over the directory and pushes roster events
// to websocket subscribers. It is the operational window into the router
// that a desktop monitor or dashboard would attach to.
type Admin struct {
	store    storage.Directory
	notifier *Notifier
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// NewAdmin builds the admin surface. The gatherer should be the registry
// the router metrics were registered with; nil falls back to the default.
func NewAdmin(cfg *Config, store storage.Directory, notifier *Notifier, gatherer prometheus.Gatherer) *Admin {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	policy := newOriginPolicy(cfg.AllowedOrigins)

	return &Admin{
		store:    store,
		notifier: notifier,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
	}
}

// Routes configures and returns the admin ServeMux.
func (a *Admin) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/users", a.UsersHandler)
	mux.HandleFunc("/api/active", a.ActiveUsersHandler)
	mux.HandleFunc("/api/history", a.LoginHistoryHandler)
	mux.HandleFunc("/ws", a.EventsHandler)
	return mux
}

// HealthHandler provides a simple health check endpoint.
func (a *Admin) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Courier router is running!")
}

// UsersHandler returns every username the directory knows.
func (a *Admin) UsersHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.store.ListUsers())
}

// ActiveUsersHandler returns the currently connected users.
func (a *Admin) ActiveUsersHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.store.ListActiveUsers())
}

// LoginHistoryHandler returns login history, optionally filtered with the
// "user" query parameter.
func (a *Admin) LoginHistoryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.store.LoginHistory(r.URL.Query().Get("user")))
}

// EventsHandler upgrades the request and streams roster events until the
// subscriber goes away or the notifier shuts down.
func (a *Admin) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Event endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	events, cancel := a.notifier.Subscribe(32)
	go a.streamEvents(conn, events, cancel)
}

func (a *Admin) streamEvents(conn *websocket.Conn, events <-chan RosterEvent, cancel func()) {
	defer func() {
		cancel()
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing event subscriber: %v", err)
		}
	}()

	// Drain reads so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for event := range events {
		if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return
		}
		if err := conn.WriteJSON(event); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error writing roster event: %v", err)
			}
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

// CreateAdminServer creates and configures the admin HTTP server with the
// given address and handler. It sets reasonable timeout values for
// production use; the websocket endpoint hijacks its connection, so these
// do not apply to established event streams.
func CreateAdminServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownAdminServer gracefully shuts the admin server down, waiting for
// active requests up to the timeout.
func ShutdownAdminServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Admin server shutdown error: %v", err)
		return err
	}
	return nil
}
