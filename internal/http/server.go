// Package httpapi exposes the dispatch core over HTTP and websockets.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/relay"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Options struct {
	Dispatcher *dispatch.Dispatcher
	Relay      *relay.Relay
	Hub        *hub.Hub
	Verifier   *auth.Verifier
	Checks     map[string]ReadyCheck
	// HeartbeatInterval paces server pings on websocket channels; zero disables them.
	HeartbeatInterval time.Duration
	Clock             clockwork.Clock
	Logger            *slog.Logger
}

type Server struct {
	dispatcher *dispatch.Dispatcher
	relay      *relay.Relay
	hub        *hub.Hub
	verifier   *auth.Verifier
	checks     map[string]ReadyCheck
	heartbeat  time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	mux        *mux.Router
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		dispatcher: opts.Dispatcher,
		relay:      opts.Relay,
		hub:        opts.Hub,
		verifier:   opts.Verifier,
		checks:     opts.Checks,
		heartbeat:  opts.HeartbeatInterval,
		clock:      opts.Clock,
		logger:     opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are mobile apps and the ops dashboard; tokens, not origins, gate access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	rider := s.authenticate(models.PartyRider)
	driver := s.authenticate(models.PartyDriver)
	anyone := s.authenticate()

	s.mux.Handle("/api/v1/rides/request", rider(http.HandlerFunc(s.handleRideRequest))).Methods(http.MethodPost)
	s.mux.Handle("/api/v1/orders/{id}", anyone(http.HandlerFunc(s.handleGetOrder))).Methods(http.MethodGet)
	s.mux.Handle("/api/v1/orders/{id}/cancel", anyone(http.HandlerFunc(s.handleCancelOrder))).Methods(http.MethodPost)
	s.mux.Handle("/internal/driver/locations", driver(http.HandlerFunc(s.handleDriverLocation))).Methods(http.MethodPost)
	s.mux.Handle("/ws", anyone(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
