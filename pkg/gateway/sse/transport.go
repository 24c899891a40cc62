package sse

import (
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("sse transport closed")

type frame struct {
	messageType int
	data        []byte
}

// Transport adapts one event stream plus out-of-band POSTs to the relay's
// frame interface. Frames read by the relay arrive through Push; frames
// written by the relay go out as data events.
type Transport struct {
	rw     http.ResponseWriter
	writer *Writer
	inbox  chan frame

	done      chan struct{}
	closeOnce sync.Once
	// pinger is closed when the keepalive goroutine exits.
	pinger chan struct{}

	mu       sync.Mutex
	expired  chan struct{}
	deadline *time.Timer
}

// NewTransport starts a stream on w. A positive pingInterval keeps idle
// connections open with comment lines until Close.
func NewTransport(w http.ResponseWriter, pingInterval time.Duration) (*Transport, error) {
	sw, err := New(w)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		rw:      w,
		writer:  sw,
		inbox:   make(chan frame, 16),
		done:    make(chan struct{}),
		expired: make(chan struct{}),
	}
	if pingInterval > 0 {
		t.pinger = make(chan struct{})
		go t.keepalive(pingInterval)
	}
	return t, nil
}

func (t *Transport) keepalive(interval time.Duration) {
	defer close(t.pinger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.writer.Ping(); err != nil {
				return
			}
		}
	}
}

// Start commits the stream's headers.
func (t *Transport) Start() {
	t.writer.Start()
}

// Push hands a client frame to the reader. It blocks while the inbox is full.
func (t *Transport) Push(messageType int, data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.inbox <- frame{messageType: messageType, data: data}:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	t.mu.Lock()
	expired := t.expired
	t.mu.Unlock()

	select {
	case f := <-t.inbox:
		return f.messageType, f.data, nil
	case <-t.done:
		return 0, nil, ErrClosed
	case <-expired:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// SetReadDeadline arms a deadline for pending and future reads. A zero time
// clears it.
func (t *Transport) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deadline != nil {
		t.deadline.Stop()
		t.deadline = nil
	}
	select {
	case <-t.expired:
		t.expired = make(chan struct{})
	default:
	}
	if deadline.IsZero() {
		return nil
	}

	expired := t.expired
	wait := time.Until(deadline)
	if wait <= 0 {
		close(expired)
		return nil
	}
	t.deadline = time.AfterFunc(wait, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.expired == expired {
			select {
			case <-expired:
			default:
				close(expired)
			}
		}
	})
	return nil
}

func (t *Transport) SetWriteDeadline(deadline time.Time) error {
	err := http.NewResponseController(t.rw).SetWriteDeadline(deadline)
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// WriteMessage emits text frames as data events. Event streams carry text
// only, so binary frames are rejected.
func (t *Transport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return errors.New("sse transport carries text frames only")
	}
	return t.writer.Data(data)
}

// Close ends the stream for the reader and the keepalive. Once it returns
// nothing writes to the response, so the handler may return.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writer.Close()
		if t.pinger != nil {
			<-t.pinger
		}
		t.mu.Lock()
		if t.deadline != nil {
			t.deadline.Stop()
		}
		t.mu.Unlock()
	})
	return nil
}
