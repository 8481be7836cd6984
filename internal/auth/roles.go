package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/domain"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// RequireAdmin ensures an admin is authenticated.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.SubjectType != domain.SubjectTypeAdmin {
			return fiber.NewError(http.StatusForbidden, "admin role required")
		}
		return c.Next()
	}
}

// RequireAnyRole ensures the caller resolved to a user, admin or guest. A
// guest session that is well formed but unknown asks the client for a profile.
func RequireAnyRole() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := PrincipalFromContext(c); ok {
			return c.Next()
		}
		if _, ok := GuestSessionFromContext(c); ok {
			return apperrors.NewIdentityRequired()
		}
		return fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
}

// RequireGuestSession ensures the request carries a valid guest session header.
func RequireGuestSession() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := GuestSessionFromContext(c); !ok {
			return apperrors.NewInvalidGuestSession("missing " + GuestSessionHeader + " header")
		}
		return c.Next()
	}
}
