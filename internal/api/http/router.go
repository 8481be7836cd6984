package http

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/http/handlers"
	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/config"
	"github.com/spec-kit/conversation-relay/internal/ratelimit"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Metrics        *handlers.MetricsHandler
	Auth           *handlers.AuthHandler
	Guests         *handlers.GuestsHandler
	Conversations  *handlers.ConversationsHandler
	Messages       *handlers.MessagesHandler
	Relay          *handlers.RelayHandler
	AuthMiddleware *auth.AuthMiddleware
	Limiter        ratelimit.Limiter
	RateLimit      config.RateLimitConfig
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", cfg.AuthMiddleware.Handle, auth.RequireAdmin(), cfg.Metrics.Snapshot)
	}

	limiter := cfg.Limiter
	if limiter == nil || !cfg.RateLimit.Enabled {
		limiter = ratelimit.Noop{}
	}

	authGroup := app.Group("/auth")
	authGroup.Post("/login", cfg.Auth.Login)

	guests := app.Group("/guests", cfg.AuthMiddleware.Handle, auth.RequireGuestSession())
	guests.Post("/", RateLimit(limiter, "guests", cfg.RateLimit.GuestCreatesPerMin, time.Minute, ClientIP), cfg.Guests.Resolve)
	guests.Get("/me", cfg.Guests.Me)

	conversations := app.Group("/conversations", cfg.AuthMiddleware.Handle)
	conversations.Post("/", cfg.Conversations.Create)
	conversations.Get("/", auth.RequireAnyRole(), cfg.Conversations.List)
	conversations.Get("/:id", auth.RequireAnyRole(), cfg.Conversations.Get)
	conversations.Put("/:id/close", auth.RequireAnyRole(), cfg.Conversations.Close)
	conversations.Get("/:id/participants", auth.RequireAnyRole(), cfg.Conversations.Participants)

	messages := app.Group("/messages", cfg.AuthMiddleware.Handle)
	messages.Post("/", RateLimit(limiter, "messages", cfg.RateLimit.MessagesPerMin, time.Minute, CallerKey), cfg.Messages.Send)
	messages.Get("/", auth.RequireAnyRole(), cfg.Messages.List)

	if cfg.Relay != nil {
		app.Get("/relay/ws",
			cfg.Relay.RequireUpgrade,
			cfg.AuthMiddleware.HandleRelay,
			auth.RequireAnyRole(),
			cfg.Relay.Serve(),
		)
	}
}
