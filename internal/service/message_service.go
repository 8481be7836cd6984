package service

import (
	"context"
	"strings"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/repository"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// MessageService is the message log: append-only, ordered per conversation.
type MessageService struct {
	messages      repository.MessageRepository
	conversations *ConversationService
}

// SendMessageInput describes a send. ConversationID may be empty for users
// and guests, in which case their active conversation is reused or opened.
type SendMessageInput struct {
	ConversationID string
	Subject        string
	Message        MessageInput
}

// SendMessageResult is the appended message and its conversation after the
// append.
type SendMessageResult struct {
	Message      *domain.Message
	Conversation *domain.Conversation
}

// NewMessageService constructs the service.
func NewMessageService(messages repository.MessageRepository, conversations *ConversationService) *MessageService {
	return &MessageService{messages: messages, conversations: conversations}
}

// Send authorizes the actor against the conversation and appends.
func (s *MessageService) Send(ctx context.Context, actor domain.Actor, input SendMessageInput) (*SendMessageResult, error) {
	body, err := input.Message.normalize()
	if err != nil {
		return nil, err
	}

	conversationID := strings.TrimSpace(input.ConversationID)
	if conversationID == "" {
		if actor.IsAdmin() {
			return nil, apperrors.NewValidationError("conversationId is required", map[string]any{"conversationId": "required"})
		}
		owner := domain.UserOwner(actor.ID)
		if actor.Type == domain.SubjectTypeGuest {
			owner = domain.GuestOwner(actor.ID)
		}
		created, err := s.conversations.Create(ctx, actor, CreateConversationInput{
			Owner:          owner,
			Subject:        input.Subject,
			InitialMessage: &body,
		})
		if err != nil {
			return nil, err
		}
		return &SendMessageResult{Message: created.Message, Conversation: created.Conversation}, nil
	}

	if _, err := s.conversations.Get(ctx, actor, conversationID); err != nil {
		return nil, err
	}
	msg, conv, err := s.conversations.append(ctx, actor, conversationID, body)
	if err != nil {
		return nil, err
	}
	return &SendMessageResult{Message: msg, Conversation: conv}, nil
}

// List returns the conversation's messages oldest first and marks the
// conversation read for the caller's side.
func (s *MessageService) List(ctx context.Context, actor domain.Actor, conversationID string) ([]domain.Message, error) {
	conv, err := s.conversations.Get(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.MarkRead(ctx, actor, conv); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListByConversation returns every message in creation order.
func (s *MessageService) ListByConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, persistenceError(err)
	}
	return msgs, nil
}
