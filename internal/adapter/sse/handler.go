package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/auth"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/Lybley/lifeos-sub001/internal/platform/logging"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ChannelsQueryParam lists the fixed explicit channels of an SSE connection.
const ChannelsQueryParam = "channels"

// Registry is the subset of the connection registry the adapter drives.
type Registry interface {
	AddConnection(id string, meta domain.ConnectionMeta, sink domain.Sink) error
	RemoveConnection(id string) error
	Touch(id string)
}

// Handler serves one-way event streams. SSE clients cannot send actions, so
// their channel set is fixed at connect.
type Handler struct {
	registry  Registry
	auth      domain.Authenticator
	clock     clockwork.Clock
	keepAlive time.Duration
}

func NewHandler(registry Registry, authenticator domain.Authenticator, clock clockwork.Clock, keepAlive time.Duration) *Handler {
	return &Handler{registry: registry, auth: authenticator, clock: clock, keepAlive: keepAlive}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r.Context(), auth.ExtractToken(r))
	if err != nil {
		slog.Debug("SSE connect rejected", "remote_addr", r.RemoteAddr, "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="lifeos"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channels, err := parseChannels(userID, r.URL.Query().Get(ChannelsQueryParam))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Long-lived responses must not inherit the server's WriteTimeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("Could not disable SSE write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("SSE streaming not supported", "error", err)
		return
	}

	id := uuid.NewString()
	s := newStream()
	meta := domain.ConnectionMeta{
		UserID:     userID,
		Transport:  domain.TransportSSE,
		Channels:   channels,
		RemoteAddr: r.RemoteAddr,
	}
	if err := h.registry.AddConnection(id, meta, s); err != nil {
		slog.Error("Failed to register SSE connection", "connection_id", id, "user_id", userID, "error", err)
		return
	}
	defer func() {
		if err := h.registry.RemoveConnection(id); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			slog.Warn("Failed to unregister SSE connection", "connection_id", id, "error", err)
		}
	}()

	ctx := logging.WithConnection(r.Context(), id, userID)
	slog.DebugContext(ctx, "SSE client connected", "remote_addr", r.RemoteAddr)
	h.pump(ctx, w, rc, id, s)
}

// pump writes frames until the client goes away or the registry closes the stream.
func (h *Handler) pump(ctx context.Context, w io.Writer, rc *http.ResponseController, id string, s *stream) {
	keepAlive := h.clock.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "SSE client disconnected")
			return

		case <-s.done:
			slog.DebugContext(ctx, "SSE stream closed by registry", "reason", s.reason)
			return

		case frame := <-s.frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				slog.DebugContext(ctx, "SSE write failed", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case <-keepAlive.Chan():
			if _, err := fmt.Fprintf(w, ": keep-alive %d\n\n", h.clock.Now().Unix()); err != nil {
				slog.DebugContext(ctx, "SSE keep-alive failed", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			h.registry.Touch(id)
		}
	}
}

// parseChannels splits the comma-separated channel list. The implicit user
// and broadcast channels are dropped; anything else invalid is an error.
func parseChannels(userID, raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var channels []string
	var errs []error
	for _, ch := range strings.Split(raw, ",") {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		err := domain.ValidateSubscription(userID, ch)
		switch {
		case errors.Is(err, domain.ErrImplicitChannel):
			continue
		case err != nil:
			errs = append(errs, err)
		default:
			channels = append(channels, ch)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return channels, nil
}
