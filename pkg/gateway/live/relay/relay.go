// Package relay bridges one client transport to one live backend session.
//
// A Relay runs two forwarders for the lifetime of a connection: upstream
// turns transport frames into requests on the backend, downstream writes each
// backend event to the transport as one JSON text frame. When either
// forwarder exits the other is cancelled, and once both have returned the
// relay closes the backend request handle exactly once and then the
// transport.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
)

// ErrClientGone marks errors caused by the client side of the transport
// going away. The relay treats them as a normal close.
var ErrClientGone = errors.New("client transport closed")

const defaultWriteTimeout = 5 * time.Second

// Transport is the client connection. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// RequestHandle is the outbound side of a backend session.
type RequestHandle interface {
	Send(ctx context.Context, msg protocol.Message) error
	Close() error
}

// EventStream yields backend events until it returns io.EOF.
type EventStream interface {
	Next(ctx context.Context) (any, error)
}

type Config struct {
	WriteTimeout time.Duration
}

type Dependencies struct {
	Transport Transport
	Requests  RequestHandle
	Events    EventStream

	// TransportName labels metrics, e.g. "ws" or "sse".
	TransportName string
	RelayID       string
	UserID        string
	SessionID     string

	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type State int32

const (
	StateIdle State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome describes why a relay ended.
type Outcome string

const (
	OutcomeClientClose Outcome = "client_close"
	OutcomeClientGone  Outcome = "client_gone"
	OutcomeStreamEnded Outcome = "stream_ended"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeError       Outcome = "error"
)

type Relay struct {
	transport Transport
	requests  RequestHandle
	events    EventStream

	transportName string
	id            string
	userID        string
	sessionID     string

	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	state     atomic.Int32
	closeOnce sync.Once

	outcomeOnce sync.Once
	outcome     Outcome
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Requests == nil {
		return nil, fmt.Errorf("request handle is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event stream is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = defaultWriteTimeout
	}
	if deps.TransportName == "" {
		deps.TransportName = "ws"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		transport:     deps.Transport,
		requests:      deps.Requests,
		events:        deps.Events,
		transportName: deps.TransportName,
		id:            deps.RelayID,
		userID:        deps.UserID,
		sessionID:     deps.SessionID,
		cfg:           deps.Config,
		logger: deps.Logger.With(
			"relay_id", deps.RelayID,
			"user_id", deps.UserID,
			"session_id", deps.SessionID,
		),
		metrics: deps.Metrics,
		now:     deps.Now,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (r *Relay) ID() string { return r.id }

func (r *Relay) State() State { return State(r.state.Load()) }

// Outcome is empty until the relay has finished.
func (r *Relay) Outcome() Outcome {
	if r.State() != StateClosed {
		return ""
	}
	return r.outcome
}

// Cancel stops a running relay. It is safe to call at any time.
func (r *Relay) Cancel() {
	if r == nil || r.cancel == nil {
		return
	}
	r.cancel()
}

// Run blocks until the relay has closed. A client-initiated close, a client
// disconnect and the end of the backend stream return nil; backend failures
// are returned after the same teardown.
func (r *Relay) Run(parent context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("relay already started")
	}
	start := r.now()
	r.state.Store(int32(StateActive))
	r.metrics.RecordRelayStart()
	r.logger.Debug("relay started", "transport", r.transportName)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stopLink := context.AfterFunc(r.ctx, cancel)
	defer stopLink()

	g, gctx := errgroup.WithContext(ctx)
	gctx, stopBoth := context.WithCancel(gctx)
	defer stopBoth()

	// Release a blocked transport read once the group is cancelled.
	stopUnblock := context.AfterFunc(gctx, func() {
		_ = r.transport.SetReadDeadline(r.now())
	})

	g.Go(func() error {
		defer r.drain(stopBoth)
		return r.upstream(gctx)
	})
	g.Go(func() error {
		defer r.drain(stopBoth)
		return r.downstream(gctx)
	})

	err := g.Wait()
	stopUnblock()
	r.setOutcome(OutcomeCanceled)
	r.teardown()

	outcome := r.outcome
	r.metrics.RecordRelayEnd(r.transportName, string(outcome), r.now().Sub(start))

	switch {
	case err == nil:
		r.logger.Debug("relay closed", "outcome", outcome)
		return nil
	case errors.Is(err, ErrClientGone):
		r.logger.Debug("relay closed by client", "outcome", outcome, "reason", err.Error())
		return nil
	default:
		r.logger.Error("relay failed", "outcome", outcome, "error", err)
		return err
	}
}

// drain moves Active to Draining and cancels the sibling forwarder.
func (r *Relay) drain(cancel context.CancelFunc) {
	r.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
	cancel()
}

func (r *Relay) setOutcome(o Outcome) {
	r.outcomeOnce.Do(func() { r.outcome = o })
}

// teardown releases the backend handle and then the transport. It runs once,
// after both forwarders have returned.
func (r *Relay) teardown() {
	r.closeOnce.Do(func() {
		if err := r.requests.Close(); err != nil {
			r.logger.Warn("close backend session", "error", err)
		}
		closeCode := websocket.CloseNormalClosure
		if r.outcome == OutcomeError {
			closeCode = websocket.CloseInternalServerErr
			r.writeServerError()
		}
		if cw, ok := r.transport.(controlWriter); ok {
			msg := websocket.FormatCloseMessage(closeCode, "")
			_ = cw.WriteControl(websocket.CloseMessage, msg, r.now().Add(r.cfg.WriteTimeout))
		}
		_ = r.transport.Close()
		r.state.Store(int32(StateClosed))
		r.cancel()
	})
}

// writeServerError tells the client the backend session failed. Both
// forwarders have returned, so nothing else writes to the transport.
func (r *Relay) writeServerError() {
	payload, err := json.Marshal(protocol.NewServerError("backend_error", "live session failed"))
	if err != nil {
		return
	}
	if err := r.writeText(payload); err != nil {
		r.logger.Debug("write error frame", "error", err)
	}
}
