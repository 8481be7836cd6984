package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/relay"
	"github.com/spec-kit/conversation-relay/internal/service"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// ConversationsHandler manages conversation endpoints for every caller type.
type ConversationsHandler struct {
	conversations *service.ConversationService
	identity      *service.IdentityService
	hub           *relay.Hub
}

// NewConversationsHandler constructs handler.
func NewConversationsHandler(conversations *service.ConversationService, identity *service.IdentityService, hub *relay.Hub) *ConversationsHandler {
	return &ConversationsHandler{conversations: conversations, identity: identity, hub: hub}
}

// Create POST /conversations.
func (h *ConversationsHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	actor, err := callerActor(c, h.identity, req.Guest)
	if err != nil {
		return err
	}

	owner := domain.OwnerRef{UserID: req.UserID, GuestUserID: req.GuestUserID}
	if !actor.IsAdmin() && req.UserID == nil && req.GuestUserID == nil {
		owner = selfOwner(actor)
	}
	input := service.CreateConversationInput{Owner: owner, Subject: req.Subject}
	if req.InitialMessage != nil {
		msg := messageInput(*req.InitialMessage)
		input.InitialMessage = &msg
	}

	result, err := h.conversations.Create(c.UserContext(), actor, input)
	if err != nil {
		return err
	}
	resp := dto.CreateConversationResponse{
		Conversation: dto.NewConversationResponse(result.Conversation),
		Created:      result.Created,
	}
	if result.Message != nil {
		msg := dto.NewMessageResponse(result.Message)
		resp.Message = &msg
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": resp})
}

// List GET /conversations.
func (h *ConversationsHandler) List(c *fiber.Ctx) error {
	actor, err := principalActor(c)
	if err != nil {
		return err
	}
	convs, err := h.conversations.List(c.UserContext(), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewConversationList(convs)})
}

// Get GET /conversations/:id.
func (h *ConversationsHandler) Get(c *fiber.Ctx) error {
	actor, err := principalActor(c)
	if err != nil {
		return err
	}
	conv, err := h.conversations.Get(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewConversationResponse(conv)})
}

// Close PUT /conversations/:id/close.
func (h *ConversationsHandler) Close(c *fiber.Ctx) error {
	actor, err := principalActor(c)
	if err != nil {
		return err
	}
	conv, err := h.conversations.Close(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewConversationResponse(conv)})
}

// Participants GET /conversations/:id/participants.
func (h *ConversationsHandler) Participants(c *fiber.Ctx) error {
	actor, err := principalActor(c)
	if err != nil {
		return err
	}
	conv, err := h.conversations.Get(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.ParticipantsResponse{
		ConversationID: conv.ID,
		Participants:   participantList(h.hub.Participants(c.UserContext(), conv.ID)),
		Typing:         participantList(h.hub.Typing(conv.ID)),
	}})
}

func selfOwner(actor domain.Actor) domain.OwnerRef {
	if actor.Type == domain.SubjectTypeGuest {
		return domain.GuestOwner(actor.ID)
	}
	return domain.UserOwner(actor.ID)
}

func participantList(list []relay.Participant) []dto.ParticipantResponse {
	out := make([]dto.ParticipantResponse, 0, len(list))
	for _, p := range list {
		out = append(out, dto.ParticipantResponse{ID: p.ID, Type: string(p.Type)})
	}
	return out
}
