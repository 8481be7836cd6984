package dto

import (
	"time"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// CreateConversationRequest starts a conversation. Users and guests may omit
// the owner ids; admins must supply exactly one.
type CreateConversationRequest struct {
	UserID         *string              `json:"userId"`
	GuestUserID    *string              `json:"guestUserId"`
	Subject        string               `json:"subject"`
	InitialMessage *MessageBody         `json:"initialMessage"`
	Guest          *GuestProfileRequest `json:"guest"`
}

// ConversationResponse is the API view of a conversation.
type ConversationResponse struct {
	ID            string    `json:"id"`
	UserID        *string   `json:"userId"`
	GuestUserID   *string   `json:"guestUserId"`
	Subject       string    `json:"subject"`
	Status        string    `json:"status"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	ReadByUser    bool      `json:"readByUser"`
	ReadByAdmin   bool      `json:"readByAdmin"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CreateConversationResponse reports the conversation and whether it is new.
type CreateConversationResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Message      *MessageResponse     `json:"message,omitempty"`
	Created      bool                 `json:"created"`
}

// ParticipantResponse identifies someone present in a conversation room.
type ParticipantResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ParticipantsResponse lists who is connected and who is typing.
type ParticipantsResponse struct {
	ConversationID string                `json:"conversationId"`
	Participants   []ParticipantResponse `json:"participants"`
	Typing         []ParticipantResponse `json:"typing"`
}

// NewConversationResponse maps a domain conversation.
func NewConversationResponse(conv *domain.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:            conv.ID,
		UserID:        conv.UserID,
		GuestUserID:   conv.GuestUserID,
		Subject:       conv.Subject,
		Status:        string(conv.Status),
		LastMessageAt: conv.LastMessageAt,
		ReadByUser:    conv.ReadByUser,
		ReadByAdmin:   conv.ReadByAdmin,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
}

// NewConversationList maps a slice of conversations.
func NewConversationList(convs []domain.Conversation) []ConversationResponse {
	out := make([]ConversationResponse, 0, len(convs))
	for i := range convs {
		out = append(out, NewConversationResponse(&convs[i]))
	}
	return out
}
