package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/events"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

const previewLength = 120

// MessageInput is the body of a message about to be appended.
type MessageInput struct {
	Content     string
	MessageType domain.MessageType
	FileURL     *string
}

// normalize trims content and applies the text default, rejecting anything
// that would not be accepted by the message log.
func (in MessageInput) normalize() (MessageInput, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return in, apperrors.NewInvalidContent("message content must not be empty")
	}
	if in.MessageType == "" {
		in.MessageType = domain.MessageTypeText
	}
	switch in.MessageType {
	case domain.MessageTypeText:
	case domain.MessageTypeFile:
		if in.FileURL == nil || strings.TrimSpace(*in.FileURL) == "" {
			return in, apperrors.NewInvalidContent("file messages require file_url")
		}
	default:
		return in, apperrors.NewInvalidContent("message_type must be text or file")
	}
	if in.FileURL != nil {
		trimmed := strings.TrimSpace(*in.FileURL)
		if trimmed == "" {
			in.FileURL = nil
		} else {
			in.FileURL = &trimmed
		}
	}
	return in, nil
}

func (in MessageInput) toMessage(conversationID string, sender domain.Sender) *domain.Message {
	return &domain.Message{
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderType:     sender.Type,
		Content:        in.Content,
		MessageType:    in.MessageType,
		FileURL:        in.FileURL,
	}
}

type eventPublisher struct {
	dispatcher events.Dispatcher
	now        func() time.Time
}

func (p eventPublisher) publish(ctx context.Context, event events.Event) {
	if p.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		now := time.Now
		if p.now != nil {
			now = p.now
		}
		event.Timestamp = now().UTC()
	}
	_ = p.dispatcher.Publish(ctx, event)
}

func (p eventPublisher) messageAppended(ctx context.Context, actor domain.Actor, msg *domain.Message) {
	p.publish(ctx, events.Event{
		Type:           events.EventMessageAppended,
		ConversationID: msg.ConversationID,
		Actor:          events.ActorFrom(actor),
		Payload: events.MessageAppendedPayload{
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			SenderType:     msg.SenderType,
			MessageType:    msg.MessageType,
			ContentPreview: stringPreview(msg.Content, previewLength),
		},
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// persistenceError keeps domain errors intact and hides store failures
// behind INTERNAL_ERROR.
func persistenceError(err error) error {
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewInternalError(err)
}

func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
