package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/auth"
	"github.com/spec-kit/conversation-relay/internal/service"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// GuestsHandler exposes the guest identity store.
type GuestsHandler struct {
	identity *service.IdentityService
}

// NewGuestsHandler constructs handler.
func NewGuestsHandler(identity *service.IdentityService) *GuestsHandler {
	return &GuestsHandler{identity: identity}
}

// Resolve POST /guests. Idempotent per session token.
func (h *GuestsHandler) Resolve(c *fiber.Ctx) error {
	session, _ := auth.GuestSessionFromContext(c)
	var req dto.GuestProfileRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	var profile *dto.GuestProfileRequest
	if req.Name != "" || req.Email != "" {
		profile = &req
	}
	guest, err := h.identity.ResolveOrCreateGuest(c.UserContext(), session, profile.Profile())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewGuestResponse(guest)})
}

// Me GET /guests/me.
func (h *GuestsHandler) Me(c *fiber.Ctx) error {
	session, _ := auth.GuestSessionFromContext(c)
	guest, err := h.identity.GetGuestBySession(c.UserContext(), session)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return apperrors.NewIdentityRequired()
		}
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewGuestResponse(guest)})
}
