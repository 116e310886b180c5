// Package wsgateway is the HTTP/WebSocket edge of the presence broker:
// it upgrades a request, enforces the 16 KiB frame cap, and shuttles
// bytes between the socket and internal/broker.Broker. It knows nothing
// about presence, visibility, or chat — every protocol decision lives
// in internal/broker.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/presence-broker/internal/broker"
	"github.com/coder/websocket"
)

// maxFrameBytes is the §6 transport limit: "maximum 16 KiB" per frame.
const maxFrameBytes = 16 * 1024

// loginTimeout bounds how long the gateway waits for the mandatory first
// (login) frame before giving up on an idle connection.
const loginTimeout = 10 * time.Second

// Handler upgrades HTTP requests to WebSocket presence sessions.
type Handler struct {
	broker        *broker.Broker
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler constructs a Handler. allowedOrigin of "*" or isDev true
// disables origin checking.
func NewHandler(b *broker.Broker, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{broker: b, allowedOrigin: allowedOrigin, isDev: isDev, logger: logger}
}

// wsSender adapts a *websocket.Conn to broker.Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *wsSender) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("wsgateway: accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	loginCtx, loginCancel := context.WithTimeout(ctx, loginTimeout)
	_, raw, err := conn.Read(loginCtx)
	loginCancel()
	if err != nil {
		h.logger.Debug("wsgateway: no login frame received", "error", err, "remote", r.RemoteAddr)
		return
	}

	sender := &wsSender{conn: conn}
	s, err := h.broker.Admit(ctx, r.RemoteAddr, sender, raw)
	if err != nil {
		if errors.Is(err, broker.ErrConnectionRateLimited) {
			_ = conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}
		_ = sender.Send(map[string]string{"type": "error", "message": "Invalid message format"})
		_ = conn.Close(websocket.StatusPolicyViolation, "admission failed")
		return
	}
	defer h.broker.Disconnect(context.Background(), s.SessionID)

	syncUsers, err := h.broker.FanoutEngine().SyncFor(ctx, s)
	if err == nil {
		_ = sender.Send(map[string]any{"t": "sync", "users": syncUsers})
	}

	handles := make([]string, 0, len(syncUsers)+1)
	handles = append(handles, s.Handle)
	for _, u := range syncUsers {
		handles = append(handles, u.Handle)
	}
	cancelDeltas := h.broker.DeltaSubscription(ctx, sender, handles)
	defer cancelDeltas()

	h.readLoop(ctx, conn, s.SessionID)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("wsgateway: closed by client", "session_id", sessionID)
			} else {
				h.logger.Debug("wsgateway: read error", "session_id", sessionID, "error", err)
			}
			return
		}
		h.broker.HandleFrame(ctx, sessionID, raw)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev || h.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("wsgateway: origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
