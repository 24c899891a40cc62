package mw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/sse"
)

// logSink collects JSON log lines written from server goroutines.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) records(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(s.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

// awaitRecord waits for the access log line of path.
func (s *logSink) awaitRecord(t *testing.T, path string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, rec := range s.records(t) {
			if rec["msg"] == "request" && rec["path"] == path {
				return rec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no access log for %s", path)
	return nil
}

func newTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

func loggedServer(t *testing.T, logs *logSink, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(RequestID(AccessLog(newTestLogger(logs))(h)))
	t.Cleanup(srv.Close)
	return srv
}

func wantStatus(t *testing.T, rec map[string]any, status int) {
	t.Helper()
	if got, ok := rec["status"].(float64); !ok || int(got) != status {
		t.Fatalf("logged status=%v, want %d", rec["status"], status)
	}
}

func TestAccessLog_WebSocketUpgradeLogs101(t *testing.T) {
	logs := &logSink{}
	upgrader := websocket.Upgrader{}
	srv := loggedServer(t, logs, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, data)
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/u1/s1"
	header := http.Header{}
	header.Set("X-Request-ID", "req_ws")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != "hello" {
		t.Fatalf("echo=%q err=%v", data, err)
	}
	conn.Close()

	rec := logs.awaitRecord(t, "/ws/u1/s1")
	wantStatus(t, rec, http.StatusSwitchingProtocols)
	if rec["request_id"] != "req_ws" {
		t.Fatalf("request_id=%v", rec["request_id"])
	}
}

func TestAccessLog_EventStreamFlushesAndSetsDeadlines(t *testing.T) {
	logs := &logSink{}
	srv := loggedServer(t, logs, func(w http.ResponseWriter, r *http.Request) {
		tr, err := sse.NewTransport(w, 0)
		if err != nil {
			t.Errorf("transport behind AccessLog: %v", err)
			return
		}
		defer tr.Close()
		if err := tr.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
			t.Errorf("write deadline through AccessLog: %v", err)
		}
		tr.Start()
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("flush through controller: %v", err)
		}
		_ = tr.WriteMessage(websocket.TextMessage, []byte(`{"turnComplete":true}`))
	})

	resp, err := http.Get(srv.URL + "/sse/u1/s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if line != "data: {\"turnComplete\":true}\n" {
		t.Fatalf("line=%q", line)
	}

	rec := logs.awaitRecord(t, "/sse/u1/s1")
	wantStatus(t, rec, http.StatusOK)
	if id, _ := rec["request_id"].(string); !strings.HasPrefix(id, "req_") {
		t.Fatalf("request_id=%v", rec["request_id"])
	}
}

func TestAccessLog_RecordsErrorStatus(t *testing.T) {
	logs := &logSink{}
	srv := loggedServer(t, logs, func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())
		WriteJSONError(w, http.StatusServiceUnavailable, "draining", "server is draining", reqID)
	})

	resp, err := http.Post(srv.URL+"/sse/u1/s1/send", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	rec := logs.awaitRecord(t, "/sse/u1/s1/send")
	wantStatus(t, rec, http.StatusServiceUnavailable)
	if rec["method"] != http.MethodPost {
		t.Fatalf("method=%v", rec["method"])
	}
}

type plainResponseWriter struct{ header http.Header }

func (w *plainResponseWriter) Header() http.Header         { return w.header }
func (w *plainResponseWriter) WriteHeader(int)             {}
func (w *plainResponseWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAccessLog_DoesNotAdvertiseMissingInterfaces(t *testing.T) {
	h := AccessLog(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); ok {
			t.Fatalf("flusher advertised for a writer without one")
		}
		if _, ok := w.(http.Hijacker); ok {
			t.Fatalf("hijacker advertised for a writer without one")
		}
		if _, err := sse.NewTransport(w, 0); err == nil {
			t.Fatalf("event stream should need a flusher")
		}
	}))
	h.ServeHTTP(&plainResponseWriter{header: make(http.Header)}, httptest.NewRequest(http.MethodGet, "/sse/u1/s1", nil))
}
