package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/handlers"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/backend"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relays"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

// cancelWait bounds how long Drain waits for canceled relays to unwind.
const cancelWait = 5 * time.Second

type Dependencies struct {
	Store   store.Store
	Runner  backend.Runner
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	store     store.Store
	runner    backend.Runner
	metrics   *metrics.Metrics
	tracker   *relays.Tracker
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		store:     deps.Store,
		runner:    deps.Runner,
		metrics:   deps.Metrics,
		tracker:   relays.NewTracker(),
		lifecycle: &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(mw.RequestID)
	r.Use(mw.AccessLog(s.logger))
	r.Use(mw.Recover(s.logger))
	r.Use(mw.CORS(s.cfg))

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Store:     s.store,
		Lifecycle: s.lifecycle,
		Tracker:   s.tracker,
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Method(http.MethodGet, "/relays", handlers.RelaysHandler{Tracker: s.tracker})

	relay := handlers.RelayHandler{
		Config:    s.cfg,
		Store:     s.store,
		Runner:    s.runner,
		Tracker:   s.tracker,
		Lifecycle: s.lifecycle,
		Metrics:   s.metrics,
		Logger:    s.logger,
	}
	r.Get("/ws/{user_id}/{session_id}", relay.WebSocket)
	r.Route("/sse/{user_id}/{session_id}", func(r chi.Router) {
		r.Get("/", relay.Stream)
		r.Post("/send", relay.Send)
		r.Post("/close", relay.Close)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining makes new relay requests and readiness checks fail with 503.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

func (s *Server) ActiveRelays() int {
	return s.tracker.Count()
}

// Drain refuses new relays and waits for running ones until ctx ends. Relays
// still running then are canceled. It returns how many were canceled.
func (s *Server) Drain(ctx context.Context) int {
	s.SetDraining(true)
	if s.tracker.Wait(ctx) {
		return 0
	}

	canceled := s.tracker.CancelAll()
	s.logger.Warn("canceling relays after grace period", "relays", canceled)
	waitCtx, cancel := context.WithTimeout(context.Background(), cancelWait)
	defer cancel()
	if !s.tracker.Wait(waitCtx) {
		s.logger.Error("relays did not stop after cancel", "relays", s.tracker.Count())
	}
	return canceled
}

func notFound(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusNotFound, "not_found", "route not found", reqID)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
}
