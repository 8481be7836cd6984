package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/service"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// MessagesHandler exposes the message log.
type MessagesHandler struct {
	messages *service.MessageService
	identity *service.IdentityService
}

// NewMessagesHandler constructs handler.
func NewMessagesHandler(messages *service.MessageService, identity *service.IdentityService) *MessagesHandler {
	return &MessagesHandler{messages: messages, identity: identity}
}

// Send POST /messages.
func (h *MessagesHandler) Send(c *fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	actor, err := callerActor(c, h.identity, req.Guest)
	if err != nil {
		return err
	}

	result, err := h.messages.Send(c.UserContext(), actor, service.SendMessageInput{
		ConversationID: req.ConversationID,
		Subject:        req.Subject,
		Message:        messageInput(req.Body()),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.SendMessageResponse{
		Message:      dto.NewMessageResponse(result.Message),
		Conversation: dto.NewConversationResponse(result.Conversation),
	}})
}

// List GET /messages?conversationId=.
func (h *MessagesHandler) List(c *fiber.Ctx) error {
	actor, err := principalActor(c)
	if err != nil {
		return err
	}
	conversationID := strings.TrimSpace(c.Query("conversationId"))
	if conversationID == "" {
		return apperrors.NewValidationError("conversationId is required", map[string]any{"conversationId": "required"})
	}
	msgs, err := h.messages.List(c.UserContext(), actor, conversationID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewMessageList(msgs)})
}
