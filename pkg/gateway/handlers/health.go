package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relays"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

const storePingTimeout = 2 * time.Second

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 while draining or when the session store is
// unreachable.
type ReadyHandler struct {
	Config    config.Config
	Store     store.Store
	Lifecycle *lifecycle.Lifecycle
	Tracker   *relays.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Store        string   `json:"store"`
		Draining     bool     `json:"draining"`
		ActiveRelays int      `json:"active_relays"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	if h.Store == nil {
		issues = append(issues, "session store not configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), storePingTimeout)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "session store unreachable")
		}
	}

	if h.Config.MaxMessageBytes <= 0 {
		issues = append(issues, "max message bytes must be > 0")
	}
	if h.Config.WriteTimeout <= 0 {
		issues = append(issues, "write timeout must be > 0")
	}
	if h.Config.SSEPingInterval <= 0 {
		issues = append(issues, "sse ping interval must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		Store:        string(h.Config.Store),
		Draining:     draining,
		ActiveRelays: h.Tracker.Count(),
		Issues:       issues,
	})
}

// RelaysHandler lists running relays.
type RelaysHandler struct {
	Tracker *relays.Tracker
}

func (h RelaysHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	list := h.Tracker.Snapshot()
	if list == nil {
		list = []relays.Info{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Relays []relays.Info `json:"relays"`
	}{Relays: list})
}
