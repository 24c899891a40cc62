package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/store"
)

var errLiveClosed = errors.New("live session closed")

const handleWriteTimeout = 5 * time.Second

// GeminiConfig picks between the Gemini API and Vertex AI.
type GeminiConfig struct {
	APIKey      string
	UseVertexAI bool
	Project     string
	Location    string
}

// geminiSession is the subset of *genai.Session the adapter uses.
type geminiSession interface {
	SendClientContent(input genai.LiveClientContentInput) error
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (geminiSession, error)

// GeminiRunner opens live sessions against the Gemini Live API.
type GeminiRunner struct {
	connect connectFunc
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// GeminiOption configures a GeminiRunner.
type GeminiOption func(*GeminiRunner)

func WithLogger(logger *slog.Logger) GeminiOption {
	return func(r *GeminiRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) GeminiOption {
	return func(r *GeminiRunner) {
		r.metrics = m
	}
}

func withConnect(fn connectFunc) GeminiOption {
	return func(r *GeminiRunner) {
		r.connect = fn
	}
}

// NewGeminiRunner builds a genai client from cfg. st receives resumption
// handles reported by the backend.
func NewGeminiRunner(ctx context.Context, cfg GeminiConfig, st store.Store, opts ...GeminiOption) (*GeminiRunner, error) {
	if st == nil {
		return nil, fmt.Errorf("session store is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.UseVertexAI {
		clientCfg = &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  cfg.Project,
			Location: cfg.Location,
		}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	r := newGeminiRunner(st, func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (geminiSession, error) {
		sess, err := client.Live.Connect(ctx, model, lc)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}, opts...)
	return r, nil
}

func newGeminiRunner(st store.Store, connect connectFunc, opts ...GeminiOption) *GeminiRunner {
	r := &GeminiRunner{
		connect: connect,
		store:   st,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *GeminiRunner) RunLive(ctx context.Context, sess *store.Session, cfg RunConfig) (Live, error) {
	if sess == nil {
		return nil, fmt.Errorf("session is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}

	handle := ""
	if cfg.Resume {
		handle = sess.ResumptionHandle
	}
	session, err := r.connect(ctx, cfg.Model, buildConnectConfig(cfg, handle))
	if err != nil {
		return nil, fmt.Errorf("connect live model %s: %w", cfg.Model, err)
	}
	if handle != "" {
		r.metrics.RecordResumed()
	}

	l := &geminiLive{
		session: session,
		key:     sess.Key,
		store:   r.store,
		logger:  r.logger.With("user_id", sess.UserID, "session_id", sess.SessionID),
		events:  make(chan received),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.pump()
	return l, nil
}

func buildConnectConfig(cfg RunConfig, resumptionHandle string) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	switch cfg.Mode {
	case ModeAudio:
		lc.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	default:
		lc.ResponseModalities = []genai.Modality{genai.ModalityText}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if !cfg.AutomaticActivityDetection {
		lc.RealtimeInputConfig = &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
		}
	}
	if cfg.Proactivity {
		lc.Proactivity = &genai.ProactivityConfig{ProactiveAudio: genai.Ptr(true)}
	}
	if cfg.AffectiveDialog {
		lc.EnableAffectiveDialog = genai.Ptr(true)
	}
	if instruction := strings.TrimSpace(cfg.SystemInstruction); instruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	}
	if cfg.Resume {
		lc.SessionResumption = &genai.SessionResumptionConfig{Handle: resumptionHandle}
	}
	return lc
}

type received struct {
	msg *genai.LiveServerMessage
	err error
}

type geminiLive struct {
	session geminiSession
	key     store.Key
	store   store.Store
	logger  *slog.Logger

	events chan received
	stop   chan struct{}
	done   chan struct{}

	ending  atomic.Bool
	endOnce sync.Once
	endErr  error
}

// pump owns Receive. It stops when the session ends or errors.
func (l *geminiLive) pump() {
	defer close(l.done)
	defer close(l.events)

	for {
		msg, err := l.session.Receive()
		if err != nil {
			if l.ending.Load() || isNormalClose(err) {
				return
			}
			select {
			case l.events <- received{err: err}:
			case <-l.stop:
			}
			return
		}
		if msg == nil {
			continue
		}
		if upd := msg.SessionResumptionUpdate; upd != nil && upd.Resumable && upd.NewHandle != "" {
			l.saveHandle(upd.NewHandle)
		}
		select {
		case l.events <- received{msg: msg}:
		case <-l.stop:
			return
		}
	}
}

func (l *geminiLive) saveHandle(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), handleWriteTimeout)
	defer cancel()
	if err := l.store.SetResumptionHandle(ctx, l.key, handle); err != nil {
		l.logger.Warn("persist resumption handle", "error", err)
	}
}

func (l *geminiLive) Next(ctx context.Context) (any, error) {
	select {
	case r, ok := <-l.events:
		if !ok {
			return nil, io.EOF
		}
		if r.err != nil {
			return nil, fmt.Errorf("receive: %w", r.err)
		}
		return r.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *geminiLive) Send(ctx context.Context, msg protocol.Message) error {
	if _, closing := msg.(protocol.Close); closing {
		l.end()
		return nil
	}
	if l.ending.Load() {
		return errLiveClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch m := msg.(type) {
	case protocol.Text:
		return l.session.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{genai.NewContentFromText(m.Text, genai.RoleUser)},
		})
	case protocol.Blob:
		blob := &genai.Blob{MIMEType: m.MIMEType, Data: m.Data}
		switch {
		case strings.HasPrefix(m.MIMEType, "audio/"):
			return l.session.SendRealtimeInput(genai.LiveRealtimeInput{Audio: blob})
		case strings.HasPrefix(m.MIMEType, "image/"), strings.HasPrefix(m.MIMEType, "video/"):
			return l.session.SendRealtimeInput(genai.LiveRealtimeInput{Video: blob})
		default:
			return l.session.SendRealtimeInput(genai.LiveRealtimeInput{Media: blob})
		}
	case protocol.ActivityStart:
		return l.session.SendRealtimeInput(genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}})
	case protocol.ActivityEnd:
		return l.session.SendRealtimeInput(genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}})
	default:
		return fmt.Errorf("unsupported message kind %q", msg.Kind())
	}
}

// end closes the backend connection once. Receive then fails and the pump
// exits without reporting an error.
func (l *geminiLive) end() {
	l.endOnce.Do(func() {
		l.ending.Store(true)
		close(l.stop)
		l.endErr = l.session.Close()
	})
}

func (l *geminiLive) Close() error {
	l.end()
	<-l.done
	return l.endErr
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
