package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/auth"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/Lybley/lifeos-sub001/internal/platform/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// Registry is the subset of the connection registry the adapter drives.
type Registry interface {
	AddConnection(id string, meta domain.ConnectionMeta, sink domain.Sink) error
	RemoveConnection(id string) error
	AddChannels(id string, channels []string) ([]string, error)
	RemoveChannels(id string, channels []string) ([]string, error)
	Push(id string, msg domain.ServerMessage) (bool, error)
	Reply(id string, msg domain.ServerMessage) error
	Touch(id string)
}

// IsWebSocketUpgrade reports whether r asks for a WebSocket upgrade.
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Handler authenticates, upgrades and serves WebSocket connections.
type Handler struct {
	registry  Registry
	auth      domain.Authenticator
	upgrader  websocket.Upgrader
	clock     clockwork.Clock
	heartbeat time.Duration
}

func NewHandler(registry Registry, authenticator domain.Authenticator, checkOrigin func(*http.Request) bool, clock clockwork.Clock, heartbeat time.Duration) *Handler {
	return &Handler{
		registry: registry,
		auth:     authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clock:     clock,
		heartbeat: heartbeat,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r.Context(), auth.ExtractToken(r))
	if err != nil {
		slog.Debug("WebSocket connect rejected", "remote_addr", r.RemoteAddr, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="lifeos"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	conn := newClientConn(ws, id, h.clock, h.heartbeat)
	meta := domain.ConnectionMeta{
		UserID:     userID,
		Transport:  domain.TransportWebSocket,
		RemoteAddr: r.RemoteAddr,
	}
	if err := h.registry.AddConnection(id, meta, conn); err != nil {
		slog.Error("Failed to register WebSocket connection", "connection_id", id, "user_id", userID, "error", err)
		conn.closeGraceful("registration failed")
		return
	}
	defer h.unregister(id)
	ctx := logging.WithConnection(r.Context(), id, userID)

	h.readLoop(ctx, id, ws)
	conn.stop()
}

func (h *Handler) unregister(id string) {
	if err := h.registry.RemoveConnection(id); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
		slog.Warn("Failed to unregister WebSocket connection", "connection_id", id, "error", err)
	}
}

// readLoop consumes client frames until the socket fails or closes.
func (h *Handler) readLoop(ctx context.Context, id string, ws *websocket.Conn) {
	readWait := 2 * h.heartbeat
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		h.registry.Touch(id)
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read ended", "error", err)
			}
			return
		}

		h.registry.Touch(id)
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(ctx, id, data)
	}
}

func (h *Handler) handleFrame(ctx context.Context, id string, data []byte) {
	action, err := domain.ParseClientAction(data)
	if errors.Is(err, domain.ErrMalformedFrame) {
		slog.DebugContext(ctx, "Ignoring malformed client frame", "error", err)
		return
	}
	if err != nil {
		h.reply(id, domain.ErrorMessage(err.Error()))
		return
	}

	switch a := action.(type) {
	case domain.SubscribeAction:
		accepted, err := h.registry.AddChannels(id, a.Channels)
		if len(accepted) > 0 {
			h.reply(id, domain.SubscribedMessage("", accepted))
		}
		h.replyErrors(id, err)
	case domain.UnsubscribeAction:
		removed, err := h.registry.RemoveChannels(id, a.Channels)
		if len(removed) > 0 {
			h.reply(id, domain.UnsubscribedMessage(removed))
		}
		h.replyErrors(id, err)
	case domain.PingAction:
		if _, err := h.registry.Push(id, domain.PongMessage(h.clock.Now())); err != nil {
			slog.DebugContext(ctx, "Failed to push pong", "error", err)
		}
	}
}

// replyErrors sends one error message per rejected channel.
func (h *Handler) replyErrors(id string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrConnectionNotFound) || errors.Is(err, domain.ErrRegistryStopped) {
		return
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			h.reply(id, domain.ErrorMessage(e.Error()))
		}
		return
	}
	h.reply(id, domain.ErrorMessage(err.Error()))
}

func (h *Handler) reply(id string, msg domain.ServerMessage) {
	if err := h.registry.Reply(id, msg); err != nil {
		slog.Debug("Failed to reply", "connection_id", id, "type", msg.Type, "error", err)
	}
}
