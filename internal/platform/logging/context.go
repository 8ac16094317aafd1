package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

type correlationKey struct{}

type connectionKey struct{}

type connectionAttrs struct {
	id     string
	userID string
}

// NewCorrelationID generates an 8-character hex id.
func NewCorrelationID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the id set by WithCorrelationID.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

// WithConnection tags every record logged with ctx with the connection and user id.
func WithConnection(ctx context.Context, connectionID, userID string) context.Context {
	return context.WithValue(ctx, connectionKey{}, connectionAttrs{id: connectionID, userID: userID})
}

// ContextHandler adds correlation_id, connection_id and user_id attributes
// when the record's context carries them.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := CorrelationID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if conn, ok := ctx.Value(connectionKey{}).(connectionAttrs); ok {
		r.AddAttrs(slog.String("connection_id", conn.id), slog.String("user_id", conn.userID))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("context handler: %w", err)
	}
	return nil
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
