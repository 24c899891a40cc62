package sse

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type lockedRecorder struct {
	mu  sync.Mutex
	rec *httptest.ResponseRecorder
}

func newLockedRecorder() *lockedRecorder {
	return &lockedRecorder{rec: httptest.NewRecorder()}
}

func (w *lockedRecorder) Header() http.Header { return w.rec.Header() }

func (w *lockedRecorder) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.WriteHeader(code)
}

func (w *lockedRecorder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.Write(p)
}

func (w *lockedRecorder) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rec.Flush()
}

func (w *lockedRecorder) body() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.Body.String()
}

type plainWriter struct{ header http.Header }

func (w *plainWriter) Header() http.Header         { return w.header }
func (w *plainWriter) WriteHeader(int)             {}
func (w *plainWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestWriter_Formats(t *testing.T) {
	rr := httptest.NewRecorder()
	sw, err := New(rr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type=%q", got)
	}

	if err := sw.Data([]byte("line1\nline2")); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if err := sw.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	want := "data: line1\ndata: line2\n\n" +
		": ping\n\n"
	if got := rr.Body.String(); got != want {
		t.Fatalf("body=%q\nwant=%q", got, want)
	}
	if !rr.Flushed {
		t.Fatalf("expected writes to flush")
	}
}

func TestNew_RequiresFlusher(t *testing.T) {
	if _, err := New(&plainWriter{header: make(http.Header)}); err == nil {
		t.Fatalf("expected error for writer without flush support")
	}
}

func TestTransport_PushThenRead(t *testing.T) {
	tr, err := NewTransport(httptest.NewRecorder(), 0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	if err := tr.Push(websocket.TextMessage, []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	mt, data, err := tr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != `{"text":"hi"}` {
		t.Fatalf("got (%d, %q)", mt, data)
	}
}

func TestTransport_ReadDeadlineUnblocksPendingRead(t *testing.T) {
	tr, err := NewTransport(httptest.NewRecorder(), 0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	errc := make(chan error, 1)
	go func() {
		_, _, err := tr.ReadMessage()
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := tr.SetReadDeadline(time.Now()); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("err=%v, want deadline exceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read did not unblock")
	}

	if err := tr.SetReadDeadline(time.Time{}); err != nil {
		t.Fatalf("clear deadline: %v", err)
	}
	if err := tr.Push(websocket.TextMessage, []byte("again")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, data, err := tr.ReadMessage(); err != nil || string(data) != "again" {
		t.Fatalf("read after clearing deadline: %q, %v", data, err)
	}
}

func TestTransport_FutureReadDeadlineFires(t *testing.T) {
	tr, err := NewTransport(httptest.NewRecorder(), 0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	if err := tr.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if _, _, err := tr.ReadMessage(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}
}

func TestTransport_WriteMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	tr, err := NewTransport(rr, 0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	if err := tr.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetWriteDeadline on recorder: %v", err)
	}
	if err := tr.WriteMessage(websocket.TextMessage, []byte(`{"turnComplete":true}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := tr.WriteMessage(websocket.BinaryMessage, []byte{1}); err == nil {
		t.Fatalf("expected binary write to fail")
	}
	if got := rr.Body.String(); got != "data: {\"turnComplete\":true}\n\n" {
		t.Fatalf("body=%q", got)
	}
}

func TestTransport_CloseStopsEverything(t *testing.T) {
	tr, err := NewTransport(httptest.NewRecorder(), 0)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, _, err := tr.ReadMessage(); !errors.Is(err, ErrClosed) {
		t.Fatalf("read err=%v", err)
	}
	if err := tr.Push(websocket.TextMessage, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("push err=%v", err)
	}
	if err := tr.WriteMessage(websocket.TextMessage, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write err=%v", err)
	}
}

func TestWriter_CloseRejectsLaterWrites(t *testing.T) {
	rr := httptest.NewRecorder()
	sw, err := New(rr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sw.Close()
	if err := sw.Data([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Data err=%v, want ErrClosed", err)
	}
	if err := sw.Ping(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ping err=%v, want ErrClosed", err)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("body=%q", rr.Body.String())
	}
}

func TestTransport_CloseStopsKeepaliveBeforeReturning(t *testing.T) {
	w := newLockedRecorder()
	tr, err := NewTransport(w, time.Microsecond)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	tr.Start()
	time.Sleep(2 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	after := w.body()
	time.Sleep(5 * time.Millisecond)
	if got := w.body(); got != after {
		t.Fatalf("keepalive wrote after Close: %q", strings.TrimPrefix(got, after))
	}
}

// Run with -race: a ping that outlives the handler races with net/http
// finishing the response.
func TestTransport_HandlerReturnAfterCloseIsQuiet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := NewTransport(w, time.Microsecond)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tr.Start()
		time.Sleep(time.Millisecond)
		tr.Close()
	}))
	defer srv.Close()

	for i := 0; i < 50; i++ {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d", resp.StatusCode)
		}
	}
}

func TestTransport_KeepalivePings(t *testing.T) {
	w := newLockedRecorder()
	tr, err := NewTransport(w, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(w.body(), ": ping\n\n") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no keepalive written, body=%q", w.body())
}
