package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relay"
	"github.com/vango-go/vai-relay/pkg/gateway/live/relays"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
)

const transportWS = "ws"

// WebSocket handles GET /ws/{user_id}/{session_id}.
func (h RelayHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
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

	upgrader := websocket.Upgrader{CheckOrigin: mw.OriginCheck(h.Config)}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger().Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	logger := h.logger().With("request_id", reqID)
	_, live, err := h.open(r.Context(), key, runCfg)
	if err != nil {
		logger.Error("relay setup failed", "user_id", key.UserID, "session_id", key.SessionID, "error", err)
		code, message := setupMessage(err)
		h.writeWSError(conn, code, message)
		_ = conn.Close()
		return
	}

	rl, err := relay.New(relay.Dependencies{
		Transport:     conn,
		Requests:      live,
		Events:        live,
		TransportName: transportWS,
		RelayID:       uuid.NewString(),
		UserID:        key.UserID,
		SessionID:     key.SessionID,
		Config:        relay.Config{WriteTimeout: h.Config.WriteTimeout},
		Logger:        logger,
		Metrics:       h.Metrics,
	})
	if err != nil {
		logger.Error("relay setup failed", "error", err)
		_ = live.Close()
		h.writeWSError(conn, "internal_error", "could not start relay")
		_ = conn.Close()
		return
	}

	unregister := h.Tracker.Register(relays.Handle{
		ID:        rl.ID(),
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Transport: transportWS,
		Started:   time.Now(),
		Cancel:    rl.Cancel,
	})
	defer unregister()

	// Run logs its own failures and always tears the connection down.
	_ = rl.Run(r.Context())
}

func (h RelayHandler) writeWSError(conn *websocket.Conn, code, message string) {
	deadline := time.Now().Add(h.writeTimeout())
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(protocol.NewServerError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), deadline)
}
