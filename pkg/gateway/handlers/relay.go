package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/backend"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relays"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

const (
	stageSession = "session"
	stageBackend = "backend"
)

// RelayHandler serves the WebSocket and server-sent-event relay endpoints.
type RelayHandler struct {
	Config    config.Config
	Store     store.Store
	Runner    backend.Runner
	Tracker   *relays.Tracker
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type setupError struct {
	stage string
	err   error
}

func (e *setupError) Error() string { return fmt.Sprintf("%s setup: %v", e.stage, e.err) }

func (e *setupError) Unwrap() error { return e.err }

// routeKey reads the user and session ids from the route.
func (h RelayHandler) routeKey(r *http.Request) (store.Key, error) {
	key := store.Key{
		AppName:   h.Config.AppName,
		UserID:    strings.TrimSpace(chi.URLParam(r, "user_id")),
		SessionID: strings.TrimSpace(chi.URLParam(r, "session_id")),
	}
	if err := key.Validate(); err != nil {
		return store.Key{}, err
	}
	return key, nil
}

func (h RelayHandler) runConfig(r *http.Request) (backend.RunConfig, error) {
	base := backend.DefaultRunConfig(h.Config.Model, backend.Mode(h.Config.DefaultMode))
	base.SystemInstruction = h.Config.SystemInstruction
	cfg, err := backend.ParseRunConfig(r.URL.Query(), base)
	if err != nil {
		return backend.RunConfig{}, err
	}
	if !h.Config.ModelAllowed(cfg.Model) {
		return backend.RunConfig{}, fmt.Errorf("model %q is not allowed", cfg.Model)
	}
	return cfg, nil
}

// open attaches to the stored session and starts the backend connection.
func (h RelayHandler) open(ctx context.Context, key store.Key, cfg backend.RunConfig) (*store.Session, backend.Live, error) {
	sess, created, err := store.GetOrCreate(ctx, h.Store, key)
	if err != nil {
		h.Metrics.RecordSetupFailure(stageSession)
		return nil, nil, &setupError{stage: stageSession, err: err}
	}
	if created {
		h.logger().Debug("session created", "user_id", key.UserID, "session_id", key.SessionID)
	}

	live, err := h.Runner.RunLive(ctx, sess, cfg)
	if err != nil {
		h.Metrics.RecordSetupFailure(stageBackend)
		return nil, nil, &setupError{stage: stageBackend, err: err}
	}
	return sess, live, nil
}

// rejectRequest answers before any relay exists. It returns true when the
// request was rejected.
func (h RelayHandler) rejectRequest(w http.ResponseWriter, r *http.Request) bool {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, "draining", "relay is draining", reqID)
		return true
	}
	if h.Store == nil || h.Runner == nil {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, "unavailable", "relay backend is not configured", reqID)
		return true
	}
	return false
}

func (h RelayHandler) writeTimeout() time.Duration {
	if h.Config.WriteTimeout > 0 {
		return h.Config.WriteTimeout
	}
	return 5 * time.Second
}

func (h RelayHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// setupMessage is what clients see for a failed setup. Backend details stay
// in the log.
func setupMessage(err error) (code, message string) {
	var se *setupError
	if errors.As(err, &se) && se.stage == stageSession {
		return "session_unavailable", "could not attach to session"
	}
	return "backend_unavailable", "could not start live session"
}
