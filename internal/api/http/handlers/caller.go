package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/service"
)

// callerActor returns the authenticated actor. A guest session with no guest
// behind it is resolved through the identity store using profile, which may
// be nil; that case answers IDENTITY_REQUIRED.
func callerActor(c *fiber.Ctx, identity *service.IdentityService, profile *dto.GuestProfileRequest) (domain.Actor, error) {
	if principal, ok := auth.PrincipalFromContext(c); ok {
		return principal.Actor(), nil
	}
	session, ok := auth.GuestSessionFromContext(c)
	if !ok {
		return domain.Actor{}, fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
	guest, err := identity.ResolveOrCreateGuest(c.UserContext(), session, profile.Profile())
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.GuestActor(guest.ID), nil
}

// principalActor is for routes already guarded by auth.RequireAnyRole.
func principalActor(c *fiber.Ctx) (domain.Actor, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return domain.Actor{}, fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
	return principal.Actor(), nil
}

func messageInput(body dto.MessageBody) service.MessageInput {
	return service.MessageInput{
		Content:     body.Content,
		MessageType: domain.MessageType(body.MessageType),
		FileURL:     body.FileURL,
	}
}
