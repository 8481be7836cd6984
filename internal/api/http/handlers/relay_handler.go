package handlers

import (
	"context"
	"net/http"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/relay"
)

// RelayHandler upgrades authorized callers to a relay websocket.
type RelayHandler struct {
	ctx    context.Context
	hub    *relay.Hub
	cfg    relay.ClientConfig
	logger *zap.Logger
}

// NewRelayHandler constructs handler. Connections are closed when ctx ends.
func NewRelayHandler(ctx context.Context, hub *relay.Hub, cfg relay.ClientConfig, logger *zap.Logger) *RelayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayHandler{ctx: ctx, hub: hub, cfg: cfg, logger: logger}
}

// RequireUpgrade rejects plain HTTP requests to the relay endpoint.
func (h *RelayHandler) RequireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.NewError(http.StatusUpgradeRequired, "websocket upgrade required")
	}
	return c.Next()
}

// Serve GET /relay/ws.
func (h *RelayHandler) Serve() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		principal, ok := auth.PrincipalFromValue(conn.Locals(auth.PrincipalKey()))
		if !ok {
			h.logger.Warn("relay connection without principal")
			_ = conn.Close()
			return
		}
		h.hub.NewClient(conn, principal.Actor(), h.cfg).Serve(h.ctx)
	})
}
