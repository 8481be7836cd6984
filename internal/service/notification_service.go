package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/events"
)

// RoomNotifier pushes hints to relay rooms.
type RoomNotifier interface {
	NotifyNewMessage(conversationID, messageID string, sender domain.Sender)
	NotifyClosed(conversationID string)
}

// NotificationService fans domain events out to the relay and the log.
type NotificationService struct {
	dispatcher events.Dispatcher
	relay      RoomNotifier
	logger     *zap.Logger
}

// NewNotificationService creates the service. relay may be nil.
func NewNotificationService(dispatcher events.Dispatcher, relay RoomNotifier, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		relay:      relay,
		logger:     logger,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventConversationCreated, n.handleConversationCreated)
	n.dispatcher.Subscribe(events.EventMessageAppended, n.handleMessageAppended)
	n.dispatcher.Subscribe(events.EventConversationClosed, n.handleConversationClosed)
}

func (n *NotificationService) handleConversationCreated(_ context.Context, event events.Event) error {
	n.logger.Info("ConversationCreated", zap.String("conversation_id", event.ConversationID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleMessageAppended(_ context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.MessageAppendedPayload)
	if !ok {
		n.logger.Warn("unexpected payload", zap.String("event_type", string(event.Type)))
		return nil
	}
	n.logger.Debug("MessageAppended",
		zap.String("conversation_id", event.ConversationID),
		zap.String("message_id", payload.MessageID),
		zap.String("sender_type", string(payload.SenderType)))
	if n.relay != nil {
		n.relay.NotifyNewMessage(event.ConversationID, payload.MessageID, domain.Sender{ID: payload.SenderID, Type: payload.SenderType})
	}
	return nil
}

func (n *NotificationService) handleConversationClosed(_ context.Context, event events.Event) error {
	n.logger.Info("ConversationClosed", zap.String("conversation_id", event.ConversationID), zap.Any("payload", event.Payload))
	if n.relay != nil {
		n.relay.NotifyClosed(event.ConversationID)
	}
	return nil
}
