package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relay"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relays"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/sse"
)

const transportSSE = "sse"

var closeEnvelope = []byte(`{"close":true}`)

// Stream handles GET /sse/{user_id}/{session_id}. The optional q parameter is
// sent to the backend as the first user turn.
func (h RelayHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.rejectRequest(w, r) {
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	key, err := h.routeKey(r)
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadRequest, "bad_request", err.Error(), reqID)
		return
	}
	runCfg, err := h.runConfig(r)
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadRequest, "bad_request", err.Error(), reqID)
		return
	}

	logger := h.logger().With("request_id", reqID)
	_, live, err := h.open(r.Context(), key, runCfg)
	if err != nil {
		logger.Error("relay setup failed", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		code, message := setupMessage(err)
		mw.WriteJSONError(w, http.StatusServiceUnavailable, code, message, reqID)
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		if err := live.Send(r.Context(), protocol.Text{Text: q}); err != nil {
			logger.Error("send initial message", "error", err)
			_ = live.Close()
			mw.WriteJSONError(w, http.StatusServiceUnavailable, "backend_unavailable", "could not send initial message", reqID)
			return
		}
	}

	tr, err := sse.NewTransport(w, h.Config.SSEPingInterval)
	if err != nil {
		_ = live.Close()
		mw.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", reqID)
		return
	}

	rl, err := relay.New(relay.Dependencies{
		Transport:     tr,
		Requests:      live,
		Events:        live,
		TransportName: transportSSE,
		RelayID:       uuid.NewString(),
		UserID:        key.UserID,
		SessionID:     key.SessionID,
		Config:        relay.Config{WriteTimeout: h.Config.WriteTimeout},
		Logger:        logger,
		Metrics:       h.Metrics,
	})
	if err != nil {
		_ = live.Close()
		_ = tr.Close()
		mw.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "could not start relay", reqID)
		return
	}

	unregister := h.Tracker.Register(relays.Handle{
		ID:        rl.ID(),
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Transport: transportSSE,
		Started:   time.Now(),
		Cancel:    rl.Cancel,
		Push:      tr.Push,
	})
	defer unregister()
	defer tr.Close()

	tr.Start()
	_ = rl.Run(r.Context())
}

type sendRequest struct {
	Message string `json:"message"`
}

type pushResponse struct {
	RelayID string `json:"relay_id"`
}

// Send handles POST /sse/{user_id}/{session_id}/send. The message goes through
// the same decoding as a WebSocket text frame, so structured envelopes work
// here too.
func (h RelayHandler) Send(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	key, err := h.routeKey(r)
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadRequest, "bad_request", err.Error(), reqID)
		return
	}

	if h.Config.MaxMessageBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxMessageBytes)
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			mw.WriteJSONError(w, http.StatusRequestEntityTooLarge, "too_large", "message exceeds size limit", reqID)
			return
		}
		mw.WriteJSONError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object with a message field", reqID)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		mw.WriteJSONError(w, http.StatusBadRequest, "bad_request", "message must not be empty", reqID)
		return
	}
	h.push(w, key.UserID, key.SessionID, []byte(req.Message), reqID)
}

// Close handles POST /sse/{user_id}/{session_id}/close.
func (h RelayHandler) Close(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	key, err := h.routeKey(r)
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadRequest, "bad_request", err.Error(), reqID)
		return
	}
	h.push(w, key.UserID, key.SessionID, closeEnvelope, reqID)
}

func (h RelayHandler) push(w http.ResponseWriter, userID, sessionID string, data []byte, reqID string) {
	handle, ok := h.Tracker.Find(userID, sessionID)
	if !ok {
		mw.WriteJSONError(w, http.StatusNotFound, "not_found", "no active stream for session", reqID)
		return
	}
	if err := handle.Push(websocket.TextMessage, data); err != nil {
		if errors.Is(err, sse.ErrClosed) {
			mw.WriteJSONError(w, http.StatusNotFound, "not_found", "stream has ended", reqID)
			return
		}
		mw.WriteJSONError(w, http.StatusInternalServerError, "internal_error", "could not deliver message", reqID)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(pushResponse{RelayID: handle.ID})
}
