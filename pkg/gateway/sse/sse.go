package sse

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
)

type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
}

// New prepares w for an event stream. The headers are sent with the first
// frame.
func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: f}, nil
}

// Start sends the response headers so clients see the stream open before the
// first event.
func (sw *Writer) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// Data writes an unnamed event. Embedded newlines become separate data lines.
func (sw *Writer) Data(b []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrClosed
	}
	return sw.writeData(b)
}

// Ping writes a comment line that clients ignore.
func (sw *Writer) Ping() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return ErrClosed
	}
	if _, err := sw.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Close makes later writes fail with ErrClosed. It waits for a write in
// progress, after which the response writer is no longer touched.
func (sw *Writer) Close() {
	sw.mu.Lock()
	sw.closed = true
	sw.mu.Unlock()
}

func (sw *Writer) writeData(b []byte) error {
	for _, line := range bytes.Split(b, []byte("\n")) {
		if _, err := fmt.Fprintf(sw.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := sw.w.Write([]byte("\n")); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
