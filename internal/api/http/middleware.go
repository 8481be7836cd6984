package http

import (
	"context"
	"math"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/observability"
	"github.com/spec-kit/conversation-relay/internal/ratelimit"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// RegisterMiddlewares attaches global middlewares such as error handling and logging.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) {
	if timeout > 0 {
		app.Use(requestTimeoutMiddleware(timeout))
	}
	app.Use(errorHandlingMiddleware(logger, metrics))
	app.Use(observability.RequestLogger(logger, metrics))
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err != nil {
				domainErr := apperrors.ToDomainError(err)
				if metrics != nil {
					metrics.RecordError(c.Path(), c.Method(), domainErr.Code)
				}
				if domainErr.HTTPStatus >= 500 {
					logger.Error("request failed",
						zap.String("path", c.Path()),
						zap.String("code", domainErr.Code),
						zap.Error(domainErr))
				}
				c.Status(domainErr.HTTPStatus)
				_ = c.JSON(ErrorBody(domainErr))
				err = nil
			}
		}()
		return c.Next()
	}
}

// ErrorBody renders a domain error in the API's error envelope.
func ErrorBody(domainErr *apperrors.DomainError) fiber.Map {
	body := fiber.Map{
		"code":    domainErr.Code,
		"message": domainErr.Message,
	}
	if len(domainErr.Details) > 0 {
		body["details"] = domainErr.Details
	}
	return fiber.Map{"error": body}
}

// KeyFunc derives the bucket a request is counted against.
type KeyFunc func(c *fiber.Ctx) string

// RateLimit rejects requests beyond limit per window for the same key.
func RateLimit(limiter ratelimit.Limiter, name string, limit int, window time.Duration, key KeyFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limiter == nil || limit <= 0 {
			return c.Next()
		}
		allowed, err := limiter.Allow(c.UserContext(), name+":"+key(c), limit, window)
		if err != nil {
			return apperrors.NewInternalError(err)
		}
		if !allowed {
			retry := int(math.Ceil(window.Seconds()))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
			return apperrors.NewRateLimited(retry)
		}
		return c.Next()
	}
}

// ClientIP buckets by remote address.
func ClientIP(c *fiber.Ctx) string {
	return c.IP()
}

// CallerKey buckets by resolved principal, then guest session, then address.
func CallerKey(c *fiber.Ctx) string {
	if principal, ok := auth.PrincipalFromContext(c); ok {
		actor := principal.Actor()
		return string(actor.Type) + ":" + actor.ID
	}
	if session, ok := auth.GuestSessionFromContext(c); ok {
		return "session:" + session
	}
	return "ip:" + c.IP()
}
