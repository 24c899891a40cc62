// Package relays keeps the set of running relays for draining, shutdown and
// the HTTP upstream endpoints of server-sent-event relays.
package relays

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Handle describes one running relay.
type Handle struct {
	ID        string
	UserID    string
	SessionID string
	Transport string
	Started   time.Time

	Cancel func()
	// Push feeds a client frame into the relay's transport. Only transports
	// without their own read side (SSE) set it.
	Push func(messageType int, data []byte) error
}

// Info is a point-in-time view of a tracked relay.
type Info struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Transport string    `json:"transport"`
	Started   time.Time `json:"started"`
}

type Tracker struct {
	mu     sync.Mutex
	relays map[string]*tracked
	wg     sync.WaitGroup
}

type tracked struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		relays: make(map[string]*tracked),
	}
}

func (t *Tracker) Register(h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.relays == nil {
		t.relays = make(map[string]*tracked)
	}
	old := t.relays[h.ID]
	t.relays[h.ID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(h.ID, old)
	}

	return func() { t.unregister(h.ID, entry) }
}

func (t *Tracker) unregister(id string, entry *tracked) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.relays != nil && t.relays[id] == entry {
			delete(t.relays, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.relays)
}

// Find returns the most recently started relay for the user and session
// that accepts pushed frames.
func (t *Tracker) Find(userID, sessionID string) (Handle, bool) {
	if t == nil {
		return Handle{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		best  Handle
		found bool
	)
	for _, entry := range t.relays {
		h := entry.handle
		if h.UserID != userID || h.SessionID != sessionID || h.Push == nil {
			continue
		}
		if !found || h.Started.After(best.Started) {
			best, found = h, true
		}
	}
	return best, found
}

// Snapshot lists tracked relays ordered by start time.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.relays))
	for _, entry := range t.relays {
		h := entry.handle
		out = append(out, Info{ID: h.ID, UserID: h.UserID, SessionID: h.SessionID, Transport: h.Transport, Started: h.Started})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.relays {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered relay has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
