package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/live/backend"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relays"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

type idleLive struct{ done chan struct{} }

func (l *idleLive) Send(context.Context, protocol.Message) error { return nil }

func (l *idleLive) Next(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, io.EOF
	}
}

func (l *idleLive) Close() error { return nil }

type idleRunner struct{}

func (idleRunner) RunLive(context.Context, *store.Session, backend.RunConfig) (backend.Live, error) {
	return &idleLive{done: make(chan struct{})}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(config.Config{
		AppName:            "app",
		Model:              "gemini-test",
		DefaultMode:        "text",
		Store:              config.StoreMemory,
		CORSAllowedOrigins: map[string]struct{}{"https://app.example.com": {}},
		MaxMessageBytes:    1 << 20,
		WriteTimeout:       time.Second,
		SSEPingInterval:    time.Minute,
	}, Dependencies{
		Store:   store.NewMemory(),
		Runner:  idleRunner{},
		Metrics: metrics.New("server_test"),
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"code":"not_found"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id on 404")
	}
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
		body   string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, "ok"},
		{http.MethodGet, "/readyz", http.StatusOK, `"ok":true`},
		{http.MethodGet, "/metrics", http.StatusOK, "server_test_relays_active"},
		{http.MethodGet, "/relays", http.StatusOK, `"relays":[]`},
		{http.MethodPost, "/sse/u1/s1/send", http.StatusNotFound, "no active stream"},
		{http.MethodPost, "/healthz", http.StatusMethodNotAllowed, "method_not_allowed"},
	}
	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			var body io.Reader
			if tc.method == http.MethodPost {
				body = strings.NewReader(`{"message":"hi"}`)
			}
			s.Handler().ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, body))
			if rr.Code != tc.want {
				t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.body) {
				t.Fatalf("body=%q, want substring %q", rr.Body.String(), tc.body)
			}
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/sse/u1/s1/send", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestServer_DrainingFailsReadiness(t *testing.T) {
	s := newTestServer(t)
	s.SetDraining(true)

	for _, path := range []string{"/readyz", "/ws/u1/s1", "/sse/u1/s1"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
}

func TestServer_DrainCancelsRelaysAfterGrace(t *testing.T) {
	s := newTestServer(t)

	canceled := make(chan struct{})
	var unregister func()
	unregister = s.tracker.Register(relays.Handle{
		ID:      "r1",
		Started: time.Now(),
		Cancel: func() {
			close(canceled)
			unregister()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := s.Drain(ctx); got != 1 {
		t.Fatalf("canceled=%d, want 1", got)
	}
	select {
	case <-canceled:
	default:
		t.Fatalf("relay was not canceled")
	}
	if s.ActiveRelays() != 0 {
		t.Fatalf("active relays=%d", s.ActiveRelays())
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after drain status=%d", rr.Code)
	}
}

func TestServer_DrainWithoutRelaysReturnsImmediately(t *testing.T) {
	s := newTestServer(t)
	if got := s.Drain(context.Background()); got != 0 {
		t.Fatalf("canceled=%d", got)
	}
}
