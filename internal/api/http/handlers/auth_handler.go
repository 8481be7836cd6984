package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/service"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// AuthHandler exposes login for users and admins.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: authService}
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}

	result, err := h.auth.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": dto.AuthResponse{
			Token:     result.Token,
			ExpiresAt: result.ExpiresAt,
			Subject:   string(result.Subject),
			User: dto.UserSummary{
				ID:    result.User.ID,
				Name:  result.User.Name,
				Email: result.User.Email,
				Role:  string(result.User.Role),
			},
		},
	})
}
